// Package security defines sandbox isolation and security profiles.
package security

// IsolationProfile describes namespace, seccomp and identity settings.
//
// RunAsUID/RunAsGID are the unprivileged identity the helper switches to
// before executing the payload. When the helper starts as root the switch
// is mandatory; a zero uid payload is refused.
type IsolationProfile struct {
	RootFS         string
	SeccompProfile string
	DisableNetwork bool
	RunAsUID       int
	RunAsGID       int
}
