package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"loom/internal/logging"
	"loom/internal/textutil"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// autoSchedule creates the next schedule for every auto-managed channel
// that has no work in flight. Titles come from the LLM; channels with an
// unparseable schedule spec or a failed generation are tallied and skipped,
// never fatal for the tick.
func (s *Service) autoSchedule(ctx context.Context) {
	channels, err := s.store.AutoScheduleChannels(ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("failed to list auto-schedule channels", logging.Error(err))
		}
		return
	}
	if len(channels) == 0 {
		return
	}

	created, failed, skipped := 0, 0, 0
	now := time.Now()
	for _, channel := range channels {
		if ctx.Err() != nil {
			return
		}
		logger := s.logger
		if logger != nil {
			logger = logger.With(logging.Int64("channel_id", channel.ID))
		}

		spec := strings.TrimSpace(channel.ScheduleSpec)
		if spec == "" {
			skipped++
			continue
		}
		cronSchedule, err := cronParser.Parse(spec)
		if err != nil {
			failed++
			if logger != nil {
				logger.Warn("invalid channel schedule spec", logging.Error(err))
			}
			continue
		}

		active, err := s.store.ActiveScheduleCountForChannel(ctx, channel.ID)
		if err != nil {
			failed++
			if logger != nil {
				logger.Warn("failed to count active schedules", logging.Error(err))
			}
			continue
		}
		if active > 0 {
			skipped++
			continue
		}

		if s.llm == nil {
			failed++
			if logger != nil {
				logger.Warn("llm client unavailable for title generation")
			}
			continue
		}
		candidates, err := s.llm.GenerateTitles(ctx, channel.Category, 3)
		if err != nil || len(candidates) == 0 {
			failed++
			if logger != nil {
				logger.Warn("title generation failed", logging.Error(err))
			}
			continue
		}
		name := s.pickTitle(ctx, channel.ID, candidates)
		if name == "" {
			skipped++
			if logger != nil {
				logger.Info("all generated titles duplicated recent ones")
			}
			continue
		}

		title, err := s.store.CreateTitle(ctx, channel.ID, channel.UserID, name)
		if err != nil {
			failed++
			if logger != nil {
				logger.Warn("failed to create title", logging.Error(err))
			}
			continue
		}
		slot := cronSchedule.Next(now)
		if _, err := s.store.CreateSchedule(ctx, title.ID, channel.UserID, slot); err != nil {
			failed++
			if logger != nil {
				logger.Warn("failed to create schedule", logging.Error(err))
			}
			continue
		}
		created++
		if logger != nil {
			logger.Info("auto-created schedule",
				logging.Int64(logging.FieldTitleID, title.ID),
				logging.String("scheduled_time", slot.Format(time.RFC3339)),
			)
		}
	}

	if s.logger != nil && (created > 0 || failed > 0) {
		s.logger.Info("auto-schedule pass finished",
			logging.Int("created", created),
			logging.Int("failed", failed),
			logging.Int("skipped", skipped),
		)
	}
}

// duplicateTitleThreshold is the cosine similarity above which a generated
// title counts as a repeat of an existing one on the channel.
const duplicateTitleThreshold = 0.85

// pickTitle normalizes the generated candidates and returns the first one
// that is not a near-duplicate of a recent title on the channel. Returns ""
// when every candidate is a repeat.
func (s *Service) pickTitle(ctx context.Context, channelID int64, candidates []string) string {
	recent, err := s.store.TitleNamesForChannel(ctx, channelID, 20)
	if err != nil {
		recent = nil
	}
	fingerprints := make([]*textutil.Fingerprint, 0, len(recent))
	for _, name := range recent {
		if fp := textutil.NewFingerprint(name); fp != nil {
			fingerprints = append(fingerprints, fp)
		}
	}

	for _, candidate := range candidates {
		name := textutil.NormalizeTitle(candidate)
		if name == "" {
			continue
		}
		fp := textutil.NewFingerprint(name)
		duplicate := false
		for _, existing := range fingerprints {
			if textutil.CosineSimilarity(fp, existing) >= duplicateTitleThreshold {
				duplicate = true
				break
			}
		}
		if !duplicate {
			return name
		}
	}
	return ""
}
