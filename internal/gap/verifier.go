package gap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"dayflow/internal/day"
	"dayflow/logger"
)

// ManifestVerifier confirms that every configured stream has a manifest for
// a trading date. Gaps recorded in a manifest are reported but never fail
// verification.
type ManifestVerifier struct {
	sink    Sink
	prefix  string
	feed    string
	streams []string
	log     *logger.Entry
}

func NewManifestVerifier(sink Sink, prefix, feed string, streams []string) *ManifestVerifier {
	return &ManifestVerifier{
		sink:    sink,
		prefix:  prefix,
		feed:    feed,
		streams: append([]string(nil), streams...),
		log:     logger.GetLogger().WithComponent("manifest_verifier"),
	}
}

func (v *ManifestVerifier) Verify(ctx context.Context, env string, date day.Date) error {
	var missing []string
	for _, stream := range v.streams {
		m, err := ReadManifest(ctx, v.sink, v.prefix, env, v.feed, stream, date.String())
		if errors.Is(err, ErrObjectNotFound) {
			missing = append(missing, stream)
			continue
		}
		if err != nil {
			return fmt.Errorf("read manifest of %s: %w", stream, err)
		}
		log := v.log.WithFields(logger.Fields{"env": env, "date": date, "stream": stream, "records": m.RecordCount})
		if m.HasGaps {
			log.WithFields(logger.Fields{"gaps": len(m.Gaps), "missing": m.MissingCount}).Warn("archive has sequence gaps")
		} else {
			log.Info("archive verified")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("no manifest for %s on %s: %s", env, date, strings.Join(missing, ","))
	}
	return nil
}
