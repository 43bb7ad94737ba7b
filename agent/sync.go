package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/blang/semver/v4"
	"github.com/rs/zerolog/log"

	"github.com/haasonsaas/warden/pkg/credstore"
)

// policySyncLoop refreshes the local policy cache on a fixed interval. The
// cache is replaced wholesale, last write wins; a failed fetch keeps the
// previous cache and the loop simply tries again next tick.
func (a *Agent) policySyncLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(a.cfg.Polling.PolicyIntervalS) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.syncPolicyOnce(ctx); err != nil {
				log.Warn().Err(err).Msg("Policy sync failed")
			}
		}
	}
}

func (a *Agent) syncPolicyOnce(ctx context.Context) error {
	doc, err := a.client.FetchPolicy(ctx)
	if err != nil {
		return err
	}
	cachePath := a.cfg.State.PolicyCache
	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}
	tmp := cachePath + ".tmp"
	if err := os.WriteFile(tmp, doc, 0o644); err != nil {
		return fmt.Errorf("writing policy cache: %w", err)
	}
	if err := os.Rename(tmp, cachePath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing policy cache: %w", err)
	}
	log.Debug().Int("bytes", len(doc)).Msg("Policy cache refreshed")
	return nil
}

// updateSyncLoop compares the manifest's latest version against the local
// agent version and stages the artifact when they differ. It never applies
// the update; pending_update is a marker for an external installer.
func (a *Agent) updateSyncLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(a.cfg.Polling.UpdateIntervalS) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.syncUpdateOnce(ctx); err != nil {
				log.Warn().Err(err).Msg("Update sync failed")
			}
		}
	}
}

func (a *Agent) syncUpdateOnce(ctx context.Context) error {
	manifest, err := a.client.FetchManifest(ctx, a.state.DeviceID)
	if err != nil {
		return err
	}

	local := a.state.AgentVersion
	if local == "" {
		local = a.cfg.Version
	}
	download, err := versionDiffers(manifest.LatestVersion, local)
	if err != nil {
		log.Warn().Err(err).Str("manifest_version", manifest.LatestVersion).Msg("Skipping manifest with unusable version")
		return nil
	}
	if !download {
		return nil
	}
	url := manifest.StableURL()
	if url == "" {
		log.Warn().Str("version", manifest.LatestVersion).Msg("Manifest has no stable artifact URL")
		return nil
	}

	dest := filepath.Join(a.cfg.State.UpdateDir, fmt.Sprintf("update_%s.bin", manifest.LatestVersion))
	if err := a.client.DownloadArtifact(ctx, url, dest); err != nil {
		return fmt.Errorf("downloading %s: %w", manifest.LatestVersion, err)
	}

	if err := a.store.Update(func(cfg *credstore.Config) {
		cfg.PendingUpdate = &credstore.PendingUpdate{Version: manifest.LatestVersion, Path: dest}
	}); err != nil {
		return fmt.Errorf("recording pending update: %w", err)
	}
	a.state.PendingUpdate = &credstore.PendingUpdate{Version: manifest.LatestVersion, Path: dest}

	log.Info().Str("version", manifest.LatestVersion).Str("path", dest).Msg("Update staged for installer")
	return nil
}

// versionDiffers reports whether the manifest version is a valid semver that
// differs from the local one. Equal versions mean nothing to do; an
// unparseable manifest version is an error so the caller can skip it.
func versionDiffers(latest, local string) (bool, error) {
	latestV, err := semver.ParseTolerant(latest)
	if err != nil {
		return false, fmt.Errorf("parsing manifest version %q: %w", latest, err)
	}
	localV, err := semver.ParseTolerant(local)
	if err != nil {
		// Unknown local version: stage whatever the manifest offers.
		return true, nil
	}
	return !latestV.Equals(localV), nil
}
