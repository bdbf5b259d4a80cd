// Package restart implements the append/restart log: the list of file
// names whose transfer was interrupted, recorded in a job message's
// `restart` option so the next attempt resumes them from the last
// committed offset instead of restarting at 0.
package restart

import (
	"fmt"
	"os"

	"github.com/transferfleet/afd/internal/message"
	"github.com/transferfleet/afd/internal/shm"
)

// LogAppend records that fileName's transfer was interrupted for the job
// message at msgPath. It is idempotent: logging the same name twice is a
// no-op.
func LogAppend(msgPath, fileName string) error {
	return withLockedMessage(msgPath, func(m *message.Message) (bool, error) {
		for _, f := range m.Options.Restart {
			if f == fileName {
				return false, nil
			}
		}
		m.Options.Restart = append(m.Options.Restart, fileName)
		return true, nil
	})
}

// RemoveAppend drops fileName from the restart list once its resumed
// transfer has completed, or when an age-limit expiry removed the file
// before it could be resent.
func RemoveAppend(msgPath, fileName string) error {
	return withLockedMessage(msgPath, func(m *message.Message) (bool, error) {
		out := m.Options.Restart[:0]
		changed := false
		for _, f := range m.Options.Restart {
			if f == fileName {
				changed = true
				continue
			}
			out = append(out, f)
		}
		m.Options.Restart = out
		return changed, nil
	})
}

// RemoveAllAppends clears the restart list entirely, used once a job's
// files have all been (re)sent from scratch.
func RemoveAllAppends(msgPath string) error {
	return withLockedMessage(msgPath, func(m *message.Message) (bool, error) {
		if len(m.Options.Restart) == 0 {
			return false, nil
		}
		m.Options.Restart = nil
		return true, nil
	})
}

// Appended returns the current restart list without modifying the file.
func Appended(msgPath string) ([]string, error) {
	m, err := message.Parse(msgPath)
	if err != nil {
		return nil, err
	}
	return m.Options.Restart, nil
}

// withLockedMessage opens msgPath under a whole-file advisory write lock,
// applies mutate, and rewrites the file (truncating to the new length)
// only if mutate reports a change, avoiding a write when nothing actually
// changed.
func withLockedMessage(msgPath string, mutate func(*message.Message) (changed bool, err error)) error {
	f, err := os.OpenFile(msgPath, os.O_RDWR, 0640)
	if err != nil {
		return fmt.Errorf("restart: open %s: %w", msgPath, err)
	}
	defer f.Close()

	lock := shm.NewWholeFileLock(int(f.Fd()), true)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("restart: lock %s: %w", msgPath, err)
	}
	defer lock.Unlock()

	m, err := message.Parse(msgPath)
	if err != nil {
		return err
	}
	changed, err := mutate(m)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return m.WriteFile(msgPath)
}
