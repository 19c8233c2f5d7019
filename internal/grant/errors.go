package grant

import "errors"

var (
	// ErrNotFound means the token is unknown to the grant store.
	ErrNotFound = errors.New("grant not found")

	// ErrExpired means the grant's expiry has passed. The entry is
	// evicted as a side effect of the failed validation.
	ErrExpired = errors.New("grant expired")

	// ErrSignatureMismatch means the recomputed signature does not match
	// the one presented by the caller.
	ErrSignatureMismatch = errors.New("grant signature mismatch")

	// ErrAlreadyConsumed means a single-use grant was validated a second time.
	ErrAlreadyConsumed = errors.New("grant already consumed")

	// ErrRevoked means the grant was invalidated by an emergency
	// revocation. Revocation wins any race with in-flight validation.
	ErrRevoked = errors.New("grant revoked")

	// ErrUnsupportedResourceType means the resource extension is not in
	// the allow-list.
	ErrUnsupportedResourceType = errors.New("unsupported resource type")

	// ErrPayloadTooLarge means the resource exceeds the configured size ceiling.
	ErrPayloadTooLarge = errors.New("resource exceeds size ceiling")
)
