package behavior

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"authrisk/internal/cache"
	apperrors "authrisk/internal/errors"
	"authrisk/internal/logger"
	"authrisk/internal/store"
)

const profileKeyPrefix = "behavior:profile:"

// Config 行为分析配置
type Config struct {
	MinSamples       int           // 建立画像所需的最少样本数
	LearningPeriod   time.Duration // 学习窗口
	MaxSamples       int           // 单次构建读取的最大样本数
	ProfileTTL       time.Duration // 画像缓存时间
	AnomalyThreshold float64       // 告警阈值
	FailOpen         bool          // 画像不可读时返回中性结果
}

// DefaultConfig returns 10 samples over 30 days, cached for an hour
func DefaultConfig() Config {
	return Config{
		MinSamples:       10,
		LearningPeriod:   30 * 24 * time.Hour,
		MaxSamples:       1000,
		ProfileTTL:       time.Hour,
		AnomalyThreshold: 0.7,
		FailOpen:         true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.LearningPeriod <= 0 {
		c.LearningPeriod = d.LearningPeriod
	}
	if c.MaxSamples <= 0 {
		c.MaxSamples = d.MaxSamples
	}
	if c.ProfileTTL <= 0 {
		c.ProfileTTL = d.ProfileTTL
	}
	return c
}

// ProfileCacheKey is the cache key holding a subject's encoded profile
func ProfileCacheKey(subjectID string) string {
	return profileKeyPrefix + subjectID
}

// ProfileSource yields a subject's baseline; nil without error means not enough data
type ProfileSource interface {
	GetProfile(ctx context.Context, subjectID string) (*Profile, error)
}

// ProfileBuilder 行为画像构建器：从存储读取样本，按类型统计，并缓存结果
type ProfileBuilder struct {
	store  store.Store
	cache  cache.Cache
	config Config
	log    logger.Logger
	now    func() time.Time
}

// NewProfileBuilder creates a builder. A nil cache disables profile caching.
func NewProfileBuilder(st store.Store, c cache.Cache, cfg Config, log logger.Logger) *ProfileBuilder {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &ProfileBuilder{
		store:  st,
		cache:  c,
		config: cfg.withDefaults(),
		log:    log.WithField("component", "profile_builder"),
		now:    time.Now,
	}
}

// Config returns the effective configuration
func (b *ProfileBuilder) Config() Config {
	return b.config
}

// Record persists a sample and invalidates the subject's cached profile
func (b *ProfileBuilder) Record(ctx context.Context, sample Sample) error {
	if err := validateSample(sample); err != nil {
		return err
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = b.now()
	}

	rec := &store.Record{
		Kind:      store.KindBehaviorSample,
		SubjectID: sample.SubjectID,
		Type:      sample.Type,
		Data:      sample.Fields,
		CreatedAt: sample.Timestamp,
	}
	if err := b.store.Insert(ctx, rec); err != nil {
		return err
	}

	if err := b.Invalidate(ctx, sample.SubjectID); err != nil {
		// the stale entry expires with its TTL
		b.log.Warn("Failed to invalidate behavior profile", "subject_id", sample.SubjectID, "error", err)
	}
	return nil
}

// Invalidate drops the cached profile so the next read rebuilds it
func (b *ProfileBuilder) Invalidate(ctx context.Context, subjectID string) error {
	if b.cache == nil {
		return nil
	}
	if err := b.cache.Delete(ctx, ProfileCacheKey(subjectID)); err != nil && !cache.IsMiss(err) {
		return apperrors.NewCollaboratorUnavailable(apperrors.ErrCodeCacheConnection, "cache", err)
	}
	return nil
}

// GetProfile returns the cached profile or rebuilds it from the store.
// It returns nil, nil when fewer than MinSamples samples fall in the learning window.
func (b *ProfileBuilder) GetProfile(ctx context.Context, subjectID string) (*Profile, error) {
	if strings.TrimSpace(subjectID) == "" {
		return nil, apperrors.NewValidationError("subject_id", "subject is required")
	}

	if profile, ok := b.cached(ctx, subjectID); ok {
		return profile, nil
	}

	profile, err := b.Build(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if profile == nil || b.cache == nil {
		return profile, nil
	}

	if err := cache.SetJSON(ctx, b.cache, ProfileCacheKey(subjectID), profile, b.config.ProfileTTL); err != nil {
		b.log.Warn("Failed to cache behavior profile", "subject_id", subjectID, "error", err)
	}
	return profile, nil
}

// cached reads the profile from cache. Read failures fall through to the store;
// an undecodable entry is deleted.
func (b *ProfileBuilder) cached(ctx context.Context, subjectID string) (*Profile, bool) {
	if b.cache == nil {
		return nil, false
	}
	key := ProfileCacheKey(subjectID)

	raw, err := b.cache.Get(ctx, key)
	if err != nil {
		if !cache.IsMiss(err) {
			b.log.Warn("Behavior profile cache read failed", "subject_id", subjectID, "error", err)
		}
		return nil, false
	}

	var profile Profile
	if err := json.Unmarshal(raw, &profile); err != nil || profile.SubjectID != subjectID {
		b.log.Warn("Discarding corrupt behavior profile", "subject_id", subjectID, "error", err)
		if err := b.cache.Delete(ctx, key); err != nil {
			b.log.Warn("Failed to delete corrupt behavior profile", "subject_id", subjectID, "error", err)
		}
		return nil, false
	}
	return &profile, true
}

// Build computes a fresh profile from the store without touching the cache
func (b *ProfileBuilder) Build(ctx context.Context, subjectID string) (*Profile, error) {
	now := b.now()
	records, err := b.store.Query(ctx, store.Filter{
		Kind:      store.KindBehaviorSample,
		SubjectID: subjectID,
		Since:     now.Add(-b.config.LearningPeriod),
		Limit:     b.config.MaxSamples,
	})
	if err != nil {
		return nil, err
	}
	if len(records) < b.config.MinSamples {
		b.log.Debug("Not enough samples for a profile", "subject_id", subjectID,
			"samples", len(records), "min_samples", b.config.MinSamples)
		return nil, nil
	}

	grouped := make(map[string][]map[string]interface{})
	for _, rec := range records {
		grouped[rec.Type] = append(grouped[rec.Type], rec.Data)
	}

	profile := &Profile{
		SubjectID:   subjectID,
		SampleCount: len(records),
		Types:       make(map[string]map[string]FieldStats, len(grouped)),
		BuiltAt:     now,
	}
	for behaviorType, samples := range grouped {
		profile.Types[behaviorType] = buildTypeStats(samples)
	}
	return profile, nil
}

func validateSample(s Sample) error {
	if strings.TrimSpace(s.SubjectID) == "" {
		return apperrors.NewValidationError("subject_id", "subject is required")
	}
	if strings.TrimSpace(s.Type) == "" {
		return apperrors.NewValidationError("type", "behavior type is required")
	}
	if len(s.Fields) == 0 {
		return apperrors.NewValidationError("fields", "sample has no fields")
	}
	return nil
}
