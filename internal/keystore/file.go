package keystore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Thresholds bound a wallet's balance in lamports.
type Thresholds struct {
	Min    uint64 `yaml:"min"`
	Target uint64 `yaml:"target"`
	Max    uint64 `yaml:"max"`
}

// Validate requires Min <= Target and, when Max is set, Target <= Max.
func (t Thresholds) Validate() error {
	if t.Min > t.Target || (t.Max > 0 && t.Target > t.Max) {
		return fmt.Errorf("%w: min %d, target %d, max %d", ErrInvalidThresholds, t.Min, t.Target, t.Max)
	}
	return nil
}

// Record is one persisted wallet. EncryptedKey is base64(iv || tag || ciphertext).
type Record struct {
	Index        int        `yaml:"index"`
	Label        string     `yaml:"label"`
	PublicKey    string     `yaml:"public_key"`
	EncryptedKey string     `yaml:"encrypted_key"`
	Thresholds   Thresholds `yaml:"thresholds"`
}

type fileData struct {
	Master  *Record  `yaml:"master,omitempty"`
	Wallets []Record `yaml:"wallets"`
}

func readFile(path string) (fileData, error) {
	var data fileData
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return data, nil
	}
	if err != nil {
		return data, err
	}
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return data, err
	}
	return data, nil
}

// writeFile replaces path atomically with owner-only permissions.
func writeFile(path string, data fileData) error {
	raw, err := yaml.Marshal(data)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".wallets-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
