package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
)

// Fingerprinter returns a stable identifier for the running environment.
type Fingerprinter interface {
	Fingerprint(ctx context.Context) (string, error)
}

// SignalSource returns the environment signals to hash.
type SignalSource func(ctx context.Context) (map[string]string, error)

// SignalFingerprinter hashes a signal map with SHA-256. encoding/json sorts
// map keys, so equal signal sets always produce the same digest.
type SignalFingerprinter struct {
	source SignalSource
}

// NewSignalFingerprinter creates a fingerprinter over source. A nil source
// uses HostSignals.
func NewSignalFingerprinter(source SignalSource) *SignalFingerprinter {
	if source == nil {
		source = HostSignals
	}
	return &SignalFingerprinter{source: source}
}

// Fingerprint implements Fingerprinter.
func (f *SignalFingerprinter) Fingerprint(ctx context.Context) (string, error) {
	signals, err := f.source(ctx)
	if err != nil {
		return "", fmt.Errorf("collect signals: %w", err)
	}
	raw, err := json.Marshal(signals)
	if err != nil {
		return "", fmt.Errorf("encode signals: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// HostSignals collects process-level signals: hostname, OS, architecture and
// CPU count.
func HostSignals(ctx context.Context) (map[string]string, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"host": host,
		"os":   runtime.GOOS,
		"arch": runtime.GOARCH,
		"cpus": fmt.Sprint(runtime.NumCPU()),
	}, nil
}

// StaticSignals returns a SignalSource that always yields signals. Browser
// drivers use it to feed signals read from the page.
func StaticSignals(signals map[string]string) SignalSource {
	return func(context.Context) (map[string]string, error) {
		return signals, nil
	}
}
