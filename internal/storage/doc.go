// Package storage provides the key/value backends that hold authentication state.
//
// Every backend exposes the same Backend contract so the token store can treat a
// persistent store (survives restarts) and a volatile store (survives only the
// current session) interchangeably:
//   - Memory: in-process map, optionally capacity-limited
//   - File: JSON document with atomic writes and secure permissions, watchable via fsnotify
//   - SQLite: key/value table in a SQLite database
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager, etc.)
//   - Env: read-only view over environment variables
//   - Disabled: a backend that is switched off entirely
//
// Write failures are classified with ErrQuotaExceeded and ErrUnavailable so callers
// can tell "full" apart from "not usable". Reads report a missing key as ErrNotFound.
//
// Bus and File.Subscribe deliver change notifications to other views sharing the
// same data, mirroring the cross-tab storage event of a browser.
package storage
