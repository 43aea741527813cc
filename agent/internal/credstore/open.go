package credstore

// New opens the credential store for the given agent, preferring the native
// OS keychain where one is wired (currently darwin only) and falling back to
// the encrypted FileStore everywhere else. filePath, passphrase, and salt
// are only used by the FileStore fallback.
func New(service, filePath string, passphrase, salt []byte) (Store, error) {
	if keychainAvailable {
		if store, err := openKeychain(service); err == nil {
			return store, nil
		}
		// Fall through to FileStore if the keychain CLI is unavailable
		// (e.g. running in a minimal CI image without /usr/bin/security).
	}
	return Open(filePath, passphrase, salt)
}
