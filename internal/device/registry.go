// Package device keeps per-subject trusted device fingerprints.
// Fingerprints are never stored in clear; records carry a keyed blake2b-256 digest.
package device

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	apperrors "authrisk/internal/errors"
	"authrisk/internal/logger"
	"authrisk/internal/store"
)

// Device is a trusted fingerprint as listed to callers
type Device struct {
	Digest    string    `json:"digest"`
	Label     string    `json:"label,omitempty"`
	IP        string    `json:"ip,omitempty"`
	TrustedAt time.Time `json:"trusted_at"`
}

// Registry 可信设备注册表
type Registry struct {
	store   store.Store
	hashKey []byte
	log     logger.Logger
}

// NewRegistry creates a registry. hashKey may be empty (unkeyed digest) and at most 64 bytes.
func NewRegistry(st store.Store, hashKey string, log logger.Logger) (*Registry, error) {
	if len(hashKey) > blake2b.Size {
		return nil, apperrors.NewValidationError("hash_key", fmt.Sprintf("must be at most %d bytes", blake2b.Size))
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Registry{
		store:   st,
		hashKey: []byte(hashKey),
		log:     log.WithField("component", "device_registry"),
	}, nil
}

// Digest returns the keyed digest stored for fingerprint
func (r *Registry) Digest(fingerprint string) string {
	h, err := blake2b.New256(r.hashKey)
	if err != nil {
		// key length is checked in NewRegistry
		panic(err)
	}
	h.Write([]byte(fingerprint))
	return hex.EncodeToString(h.Sum(nil))
}

// IsDeviceTrusted reports whether subjectID has trusted fingerprint.
// An empty fingerprint is never trusted.
func (r *Registry) IsDeviceTrusted(ctx context.Context, subjectID, fingerprint string) (bool, error) {
	if strings.TrimSpace(fingerprint) == "" {
		return false, nil
	}
	if subjectID == "" {
		return false, apperrors.NewValidationError("subject_id", "subject is required")
	}

	n, err := r.store.Count(ctx, store.Filter{
		Kind:      store.KindTrustedDevice,
		SubjectID: subjectID,
		Type:      r.Digest(fingerprint),
	})
	if err != nil {
		return false, apperrors.NewAppError(apperrors.ErrCodeDeviceLookup, "device lookup failed", err)
	}
	return n > 0, nil
}

// Trust marks fingerprint as trusted for subjectID. Trusting a known device is a no-op.
func (r *Registry) Trust(ctx context.Context, subjectID, fingerprint, label, ip string) (*Device, error) {
	if subjectID == "" {
		return nil, apperrors.NewValidationError("subject_id", "subject is required")
	}
	if strings.TrimSpace(fingerprint) == "" {
		return nil, apperrors.NewValidationError("fingerprint", "fingerprint is required")
	}

	digest := r.Digest(fingerprint)
	existing, err := r.store.Query(ctx, store.Filter{
		Kind:      store.KindTrustedDevice,
		SubjectID: subjectID,
		Type:      digest,
		Limit:     1,
	})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		d := toDevice(existing[0])
		return &d, nil
	}

	rec := &store.Record{
		Kind:      store.KindTrustedDevice,
		SubjectID: subjectID,
		IP:        ip,
		Type:      digest,
		Data:      map[string]interface{}{"label": label},
	}
	if err := r.store.Insert(ctx, rec); err != nil {
		return nil, err
	}

	r.log.Info("Device trusted", "subject_id", subjectID, "digest", digest[:12])
	d := toDevice(*rec)
	return &d, nil
}

// Revoke removes a trusted device by fingerprint or by digest.
// It reports whether anything was removed.
func (r *Registry) Revoke(ctx context.Context, subjectID, fingerprintOrDigest string) (bool, error) {
	if subjectID == "" || fingerprintOrDigest == "" {
		return false, apperrors.NewValidationError("device", "subject and device are required")
	}

	removed, err := r.store.Delete(ctx, store.Filter{
		Kind:      store.KindTrustedDevice,
		SubjectID: subjectID,
		Type:      r.Digest(fingerprintOrDigest),
	})
	if err != nil {
		return false, err
	}
	if removed == 0 && isDigest(fingerprintOrDigest) {
		removed, err = r.store.Delete(ctx, store.Filter{
			Kind:      store.KindTrustedDevice,
			SubjectID: subjectID,
			Type:      fingerprintOrDigest,
		})
		if err != nil {
			return false, err
		}
	}

	if removed > 0 {
		r.log.Info("Device revoked", "subject_id", subjectID)
	}
	return removed > 0, nil
}

// List returns the subject's trusted devices, most recent first
func (r *Registry) List(ctx context.Context, subjectID string) ([]Device, error) {
	if subjectID == "" {
		return nil, apperrors.NewValidationError("subject_id", "subject is required")
	}
	records, err := r.store.Query(ctx, store.Filter{Kind: store.KindTrustedDevice, SubjectID: subjectID})
	if err != nil {
		return nil, err
	}
	devices := make([]Device, 0, len(records))
	for _, rec := range records {
		devices = append(devices, toDevice(rec))
	}
	return devices, nil
}

func toDevice(rec store.Record) Device {
	d := Device{Digest: rec.Type, IP: rec.IP, TrustedAt: rec.CreatedAt}
	if label, ok := rec.Data["label"].(string); ok {
		d.Label = label
	}
	return d
}

func isDigest(s string) bool {
	if len(s) != 2*blake2b.Size256 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
