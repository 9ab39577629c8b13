package types

// IsValidMemberID validates member identifier format: 1-50 characters,
// alphanumeric plus underscore and hyphen.
func IsValidMemberID(id string) bool {
	if len(id) == 0 || len(id) > 50 {
		return false
	}
	for _, c := range id {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '_' || c == '-') {
			return false
		}
	}
	return true
}
