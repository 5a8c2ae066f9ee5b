package realm

import "errors"

var (
	// ErrNotFound means the principal does not exist in the provider.
	ErrNotFound = errors.New("identity not found")

	// ErrVerificationFailed means the evidence did not match the identity.
	ErrVerificationFailed = errors.New("evidence verification failed")

	// ErrAuthenticationFailed is the only denial reported to callers. It is
	// returned alike for unknown principals and wrong evidence.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrDuplicateMechanism means two providers claim the same preferred mechanism.
	ErrDuplicateMechanism = errors.New("duplicate preferred mechanism")

	// ErrNoProviderForMechanism means no provider serves the requested mechanism.
	ErrNoProviderForMechanism = errors.New("no provider for mechanism")

	// ErrRealmNotStarted is returned for lookups before a successful Start.
	ErrRealmNotStarted = errors.New("realm not started")

	// ErrRealmStopped is returned for any use of a realm, or of a security
	// domain obtained from it, after Stop.
	ErrRealmStopped = errors.New("realm stopped")

	// ErrPlugInInitialization means an authentication extension could not be initialised.
	ErrPlugInInitialization = errors.New("plug-in initialization failed")

	// ErrUnsupportedCallback is returned by CallbackHandler for callbacks it cannot serve.
	ErrUnsupportedCallback = errors.New("unsupported callback")
)

// IsDenial reports whether err is a normal authentication failure rather
// than a system error.
func IsDenial(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrVerificationFailed) ||
		errors.Is(err, ErrAuthenticationFailed)
}
