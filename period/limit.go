package period

// DefaultLimit is used when no usable period is available.
const DefaultLimit = 500

// CalculateLimit picks the maximum number of records to request for a period.
// It is a pure function of the descriptor and must be evaluated per request.
func CalculateLimit(d *Descriptor) int {
	if d == nil {
		return DefaultLimit
	}
	switch d.Category {
	case CurrentMonth, PreviousMonth:
		return 1000
	case CurrentYear, PreviousYear:
		return 800
	case Custom:
		if !d.Valid() {
			return DefaultLimit
		}
		days, _ := d.SpanDays()
		switch {
		case days <= 7:
			return 1000
		case days <= 31:
			return 800
		case days <= 365:
			return 500
		default:
			return 300
		}
	default:
		return DefaultLimit
	}
}
