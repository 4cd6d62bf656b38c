package gstsource

import "strings"

// ErrorCategory classifies GStreamer bus errors for logging and for deciding
// whether the device is gone.
type ErrorCategory int

const (
	// ErrCategoryDevice: the camera vanished (unplugged, USB reset, link down).
	ErrCategoryDevice ErrorCategory = iota
	// ErrCategoryFormat: caps negotiation or decode failure.
	ErrCategoryFormat
	// ErrCategoryPermission: device node or stream not accessible.
	ErrCategoryPermission
	// ErrCategoryUnknown: unclassified.
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryFormat:
		return "format"
	case ErrCategoryPermission:
		return "permission"
	default:
		return "unknown"
	}
}

// Classify inspects the error and debug strings of a bus error message.
//
// go-gst's GError does not expose the error domain, so this relies on
// message heuristics. Permission is checked first (most specific), then
// format, then device.
func Classify(errMsg, debug string) ErrorCategory {
	combined := strings.ToLower(errMsg + " " + debug)

	switch {
	case containsAny(combined, permissionKeywords):
		return ErrCategoryPermission
	case containsAny(combined, formatKeywords):
		return ErrCategoryFormat
	case containsAny(combined, deviceKeywords):
		return ErrCategoryDevice
	default:
		return ErrCategoryUnknown
	}
}

var (
	permissionKeywords = []string{
		"permission denied",
		"unauthorized",
		"401",
		"403",
		"forbidden",
	}
	formatKeywords = []string{
		"not negotiated",
		"negotiation",
		"caps",
		"decode",
		"format",
		"no decoder",
		"missing plugin",
	}
	deviceKeywords = []string{
		"no such device",
		"device",
		"disconnected",
		"unplugged",
		"resource busy",
		"could not read",
		"connection",
		"timeout",
		"aravis",
		"v4l2",
	}
)

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
