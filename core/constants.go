package core

import "time"

// Default windows and thresholds for the built-in behavioral rules.
const (
	BruteForceThreshold = 5
	BruteForceWindow    = 15 * time.Minute

	ImpossibleTravelMaxRegions = 2
	ImpossibleTravelWindow     = 30 * time.Minute

	ExfiltrationThreshold = 100
	ExfiltrationWindow    = 60 * time.Minute
)

// Default lifetimes for actor state created by response actions.
const (
	DefaultBlockTTL      = 24 * time.Hour
	DefaultSuspiciousTTL = 7 * 24 * time.Hour
)

// DefaultMaxWindow bounds how long the correlation store retains events.
// No rule may declare a window longer than this.
const DefaultMaxWindow = 24 * time.Hour

// LoginFailedAction is the action string emitted by authentication code paths
// for a rejected credential.
const LoginFailedAction = "login_failed"

// ElevatedRoles are roles whose grant is treated as a privilege escalation.
var ElevatedRoles = map[string]bool{
	"admin":       true,
	"super_admin": true,
	"superuser":   true,
	"owner":       true,
	"root":        true,
}
