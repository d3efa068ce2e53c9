package quarantine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lucid-vigil/ransomward/pkg/events"
)

// quarantineDirName is created inside the monitored root; files moved there
// are excluded from further sweeps.
const quarantineDirName = "QUARANTINE"

// encryptedEntropyFloor marks a file as likely-encrypted. Plain text sits
// around 4-5 bits/byte, compressed media around 7; ciphertext is near 8.
const encryptedEntropyFloor = 7.0

// QuarantineAction implements the actions.Action interface. It moves
// likely-encrypted files out of the monitored root into a quarantine
// directory, preserving them for forensics while stopping any process from
// re-reading or re-encrypting them in place.
type QuarantineAction struct{}

// Name returns the unique name of the action.
func (qa *QuarantineAction) Name() string {
	return "quarantine"
}

// Execute sweeps the top level of the monitored root and quarantines files
// whose sampled entropy marks them as encrypted. It expects the data map to
// contain a "path" key with the monitored root.
func (qa *QuarantineAction) Execute(ctx context.Context, data map[string]interface{}) error {
	root, ok := data["path"].(string)
	if !ok || root == "" {
		return fmt.Errorf("missing 'path' in action data for quarantine action")
	}

	quarantineDir := filepath.Join(root, quarantineDirName)
	if err := os.MkdirAll(quarantineDir, 0o700); err != nil {
		return fmt.Errorf("failed to create quarantine directory: %w", err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("failed to read monitored root: %w", err)
	}

	quarantined := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() {
			continue
		}

		src := filepath.Join(root, entry.Name())
		entropy, err := events.SampleFileEntropy(src)
		if err != nil || entropy < encryptedEntropyFloor {
			continue
		}

		dst := filepath.Join(quarantineDir, fmt.Sprintf("%s_%s", time.Now().Format("20060102_150405"), entry.Name()))
		if err := os.Rename(src, dst); err != nil {
			log.Error().Err(err).Str("file", src).Msg("Failed to quarantine file")
			continue
		}

		quarantined++
		log.Warn().Str("file", src).Float64("entropy", entropy).Msg("File quarantined")
	}

	log.Info().Int("quarantined", quarantined).Str("path", root).Msg("Quarantine sweep complete")
	return nil
}
