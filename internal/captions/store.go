package captions

import (
	"context"
	"sync"

	"lancast.app/lancast/internal/domain"
)

// Store caches converted caption payloads for the lifetime of one session.
// Conversion happens lazily on first request per track.
type Store struct {
	converter *Converter
	asset     *domain.MediaAsset

	mu    sync.Mutex
	cache map[string][]byte
}

func NewStore(converter *Converter, asset *domain.MediaAsset) *Store {
	return &Store{
		converter: converter,
		asset:     asset,
		cache:     map[string][]byte{},
	}
}

// Get returns the WebVTT payload for the given track of the store's asset.
// The track must exist in the asset's track list (or be external).
func (s *Store) Get(ctx context.Context, track domain.SubtitleTrackRef) ([]byte, error) {
	s.mu.Lock()
	if payload, ok := s.cache[track.ID]; ok {
		s.mu.Unlock()
		return payload, nil
	}
	s.mu.Unlock()

	if !track.External {
		if _, ok := s.asset.SubtitleTrack(track.ID); !ok {
			return nil, domain.E(domain.KindCaption, "subtitle track not present in asset")
		}
	}

	payload, err := s.converter.Convert(ctx, s.asset, track)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.cache[track.ID]; ok {
		return cached, nil
	}
	s.cache[track.ID] = payload
	return payload, nil
}
