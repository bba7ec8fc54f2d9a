package client

import (
	"os"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateDeviceID returns the device identifier stored at path,
// generating and persisting a fresh one on first use. The id is stable
// across reconnects and restarts, which is what lets the relay hand
// leadership back to a returning device.
func LoadOrCreateDeviceID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", err
	}
	return id, nil
}
