package gpu

// ValidateWorkSize checks that a 2-D NDRange can be partitioned into work-groups:
// every dimension must be positive and each global dimension evenly divisible by the
// corresponding local dimension.
func ValidateWorkSize(global, local NDRange) error {
	if global.X <= 0 || global.Y <= 0 {
		return configError("global work size %s must be positive", global)
	}
	if local.X <= 0 || local.Y <= 0 {
		return configError("local work size %s must be positive", local)
	}
	if global.X%local.X != 0 || global.Y%local.Y != 0 {
		return configError("global work size %s is not evenly divisible by local work size %s", global, local)
	}
	return nil
}
