package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/picklr-io/rollout/internal/ir"
)

// CurrentVersion is the ledger format version written by this build.
const CurrentVersion = 1

// Manager reads and writes the handle ledger of one environment on the local
// filesystem.
type Manager struct {
	path string
}

func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Path returns the ledger file location.
func (m *Manager) Path() string {
	return m.path
}

// Read loads the ledger. A missing file yields an empty ledger.
// Encrypted files are transparently decrypted.
func (m *Manager) Read(ctx context.Context) (*ir.State, error) {
	raw, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", m.path, err)
	}

	state, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load state from %s: %w", m.path, err)
	}
	return state, nil
}

// Write saves the ledger, bumping its serial.
// If ROLLOUT_STATE_ENCRYPTION_KEY is set, the file is encrypted.
func (m *Manager) Write(ctx context.Context, state *ir.State) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	content, err := Encode(state)
	if err != nil {
		return err
	}

	// Atomic replace via rename
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, content, 0600); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", m.path, err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("failed to replace state file %s: %w", m.path, err)
	}
	return nil
}

// NewState returns an empty ledger with a fresh lineage.
func NewState() *ir.State {
	return &ir.State{
		Version: CurrentVersion,
		Serial:  0,
		Lineage: uuid.NewString(),
		Records: []*ir.HandleRecord{},
	}
}

// Encode serializes state as indented JSON, increments its serial and
// encrypts the result when a key is configured.
func Encode(state *ir.State) ([]byte, error) {
	if state.Lineage == "" {
		state.Lineage = uuid.NewString()
	}
	if state.Version == 0 {
		state.Version = CurrentVersion
	}
	state.Serial++

	content, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	content = append(content, '\n')

	encrypted, err := EncryptState(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt state: %w", err)
	}
	return encrypted, nil
}

// Decode parses state written by Encode.
func Decode(raw []byte) (*ir.State, error) {
	content, err := DecryptState(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt state: %w", err)
	}

	var state ir.State
	if err := json.Unmarshal(content, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}
	if state.Version > CurrentVersion {
		return nil, fmt.Errorf("state version %d is newer than supported version %d", state.Version, CurrentVersion)
	}
	if state.Records == nil {
		state.Records = []*ir.HandleRecord{}
	}
	return &state, nil
}
