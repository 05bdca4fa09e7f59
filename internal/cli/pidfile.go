package cli

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// pidInfo is what "worker start" leaves behind for "worker stop" and
// "status".
type pidInfo struct {
	PID       int       `yaml:"pid"`
	Count     int       `yaml:"count"`
	StartedAt time.Time `yaml:"started_at"`
}

func writePIDFile(path string, info pidInfo) error {
	b, err := yaml.Marshal(info)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

func readPIDFile(path string) (pidInfo, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return pidInfo{}, err
	}
	var info pidInfo
	if err := yaml.Unmarshal(b, &info); err != nil {
		return pidInfo{}, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	if info.PID <= 0 {
		return pidInfo{}, fmt.Errorf("pid file %s has no pid", path)
	}
	return info, nil
}

// removePIDFile deletes path only while it still names this process.
func removePIDFile(path string) {
	info, err := readPIDFile(path)
	if err == nil && info.PID == os.Getpid() {
		_ = os.Remove(path)
	}
}

func (p pidInfo) alive() bool {
	err := syscall.Kill(p.PID, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
