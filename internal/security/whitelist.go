package security

// Whitelist is the fixed set of command names a session may invoke. Any
// command outside this set is rejected with ErrUnknownCommand before it
// ever reaches a handler, regardless of admin level.
var Whitelist = map[string]bool{
	"ping":                 true,
	"get_status":           true,
	"get_config":           true,
	"set_polling_interval": true,
	"set_config":           true,
	"get_scripts":          true,
	"run_script":           true,
	"stop_script":          true,
	"rgb_effect":           true,
	"set_fan_speed":        true,
}

// dangerous lists the commands that require both adminLevel=Full and
// config.security.dangerousCommandsEnabled=true. Every other whitelisted
// command is reachable by any admitted session regardless of admin level.
var dangerous = map[string]bool{
	"run_script":    true,
	"stop_script":   true,
	"rgb_effect":    true,
	"set_fan_speed": true,
}

// IsWhitelisted reports whether command is a recognized command name.
func IsWhitelisted(command string) bool {
	return Whitelist[command]
}

// IsDangerous reports whether command requires adminLevel=Full and
// dangerousCommandsEnabled=true.
func IsDangerous(command string) bool {
	return dangerous[command]
}
