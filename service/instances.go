package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deemkeen/fedengine/domain"
)

// instanceInfoMaxAge is how long fetched nodeinfo metadata stays fresh.
const instanceInfoMaxAge = 24 * time.Hour

// ActorRegistered counts a newly stored remote actor against its instance
// and schedules a metadata refresh when the instance info is stale.
func (s *Service) ActorRegistered(ctx context.Context, a *domain.Actor) error {
	if a.IsLocal() {
		return nil
	}
	inst, err := s.db.UpsertInstance(ctx, a.Host)
	if err != nil {
		return fmt.Errorf("registering instance %s: %w", a.Host, err)
	}
	if err := s.db.AdjustInstanceCounts(ctx, a.Host, 1, 0, 0, 0); err != nil {
		return err
	}
	if inst.InfoUpdatedAt == nil || time.Since(*inst.InfoUpdatedAt) > instanceInfoMaxAge {
		host := a.Host
		s.submit("instance-info "+host, func(ctx context.Context) error {
			return s.RefreshInstanceInfo(ctx, host)
		})
	}
	return nil
}

// RequestReceived marks host as alive after it sent us an activity.
func (s *Service) RequestReceived(ctx context.Context, host string) {
	if _, err := s.db.UpsertInstance(ctx, host); err != nil {
		s.log.Warn("registering instance failed", "host", host, "err", err)
		return
	}
	if err := s.db.RecordRequestReceived(ctx, host); err != nil {
		s.log.Warn("recording request failed", "host", host, "err", err)
	}
}

type nodeInfoLinks struct {
	Links []struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	} `json:"links"`
}

type nodeInfo struct {
	Software struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"software"`
	Metadata struct {
		NodeName        string `json:"nodeName"`
		NodeDescription string `json:"nodeDescription"`
	} `json:"metadata"`
}

var nodeInfoSchemas = map[string]bool{
	"http://nodeinfo.diaspora.software/ns/schema/2.0": true,
	"http://nodeinfo.diaspora.software/ns/schema/2.1": true,
}

// RefreshInstanceInfo reads host's nodeinfo and stores software and name.
func (s *Service) RefreshInstanceInfo(ctx context.Context, host string) error {
	if s.fetcher == nil {
		return nil
	}
	raw, err := s.fetcher.FetchJSON(ctx, "https://"+host+"/.well-known/nodeinfo")
	if err != nil {
		return fmt.Errorf("fetching nodeinfo links of %s: %w", host, err)
	}
	var links nodeInfoLinks
	if err := json.Unmarshal(raw, &links); err != nil {
		return domain.Permanent(fmt.Errorf("decoding nodeinfo links of %s: %w", host, err))
	}
	href := ""
	for _, l := range links.Links {
		if nodeInfoSchemas[l.Rel] {
			href = l.Href
		}
	}
	if href == "" {
		return domain.Permanent(fmt.Errorf("%s publishes no nodeinfo 2.x", host))
	}

	raw, err = s.fetcher.FetchJSON(ctx, href)
	if err != nil {
		return fmt.Errorf("fetching nodeinfo of %s: %w", host, err)
	}
	var info nodeInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return domain.Permanent(fmt.Errorf("decoding nodeinfo of %s: %w", host, err))
	}

	inst := &domain.Instance{
		Host:            host,
		SoftwareName:    info.Software.Name,
		SoftwareVersion: info.Software.Version,
		Name:            info.Metadata.NodeName,
		Description:     info.Metadata.NodeDescription,
	}
	if err := s.db.UpdateInstanceInfo(ctx, inst); err != nil {
		return err
	}
	s.log.Debug("instance info refreshed", "host", host, "software", inst.SoftwareName)
	return nil
}
