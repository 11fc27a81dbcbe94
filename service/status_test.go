package service

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/massensors/beltconsole/config"
	"github.com/massensors/beltconsole/remote"
)

func TestDefaultStatusRules(t *testing.T) {
	classifier, err := NewStatusClassifier(nil, zerolog.Nop())
	require.NoError(t, err)

	cases := []struct {
		name   string
		status *remote.ServiceModeStatus
		want   StatusClass
	}{
		{"active flag", &remote.ServiceModeStatus{Active: true, StatusMessage: "Tryb serwisowy"}, StatusActive},
		{"active message", &remote.ServiceModeStatus{StatusMessage: "Tryb serwisowy aktywny"}, StatusActive},
		{"conveyor moving", &remote.ServiceModeStatus{StatusMessage: "Przenośnik w ruchu"}, StatusWarning},
		{"lower case error", &remote.ServiceModeStatus{StatusMessage: "błąd odczytu"}, StatusError},
		{"upper case error", &remote.ServiceModeStatus{StatusMessage: "Błąd komunikacji"}, StatusError},
		{"not active", &remote.ServiceModeStatus{StatusMessage: "Nieaktywny"}, StatusError},
		{"not active lower case", &remote.ServiceModeStatus{StatusMessage: "Tryb serwisowy nieaktywny"}, StatusError},
		{"unknown", &remote.ServiceModeStatus{StatusMessage: "Nieznany status"}, StatusInactive},
		{"nil", nil, StatusInactive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, classifier.Classify(tc.status))
		})
	}
}

func TestCustomStatusRules(t *testing.T) {
	classifier, err := NewStatusClassifier([]config.StatusRuleConfig{
		{Class: "Warning", When: `enabled && conveyor_status == "1"`},
		{Class: "active", When: `enabled`},
	}, zerolog.Nop())
	require.NoError(t, err)

	require.Equal(t, StatusWarning, classifier.Classify(&remote.ServiceModeStatus{Enabled: true, ConveyorStatus: "1"}))
	require.Equal(t, StatusActive, classifier.Classify(&remote.ServiceModeStatus{Enabled: true, ConveyorStatus: "0"}))
	require.Equal(t, StatusInactive, classifier.Classify(&remote.ServiceModeStatus{}))
}

func TestStatusRuleErrors(t *testing.T) {
	_, err := NewStatusClassifier([]config.StatusRuleConfig{{Class: "purple", When: "enabled"}}, zerolog.Nop())
	require.ErrorContains(t, err, "unknown status class")

	_, err = NewStatusClassifier([]config.StatusRuleConfig{{Class: "error", When: `message + 1`}}, zerolog.Nop())
	require.Error(t, err)
}
