package server

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/ottlab/media-server/internal/store"
	"github.com/ottlab/media-server/internal/version"
)

// ChannelInfo is the operator API's view of one channel.
type ChannelInfo struct {
	Name          string  `json:"name"`
	VideoFormats  int     `json:"video_formats"`
	AudioFormats  int     `json:"audio_formats"`
	VideoChunks   int     `json:"video_chunks"`
	AudioChunks   int     `json:"audio_chunks"`
	ReadyFrontier *uint64 `json:"ready_frontier,omitempty"`
	CleanFrontier *uint64 `json:"clean_frontier,omitempty"`
}

type listChannelsOutput struct {
	Body struct {
		Channels []ChannelInfo `json:"channels"`
	}
}

type listSessionsOutput struct {
	Body struct {
		Sessions []SessionInfo `json:"sessions"`
	}
}

// mountAPI registers the read-only operator endpoints.
func (s *Server) mountAPI(r chi.Router) {
	api := humachi.New(r, huma.DefaultConfig("media-server API", version.Short()))

	huma.Register(api, huma.Operation{
		OperationID: "listChannels",
		Method:      "GET",
		Path:        "/api/v1/channels",
		Summary:     "List channels",
		Description: "Returns per-channel chunk store statistics.",
		Tags:        []string{"Channels"},
	}, func(_ context.Context, _ *struct{}) (*listChannelsOutput, error) {
		out := &listChannelsOutput{}
		for _, name := range s.registry.Names() {
			ch, ok := s.registry.Lookup(name)
			if !ok {
				continue
			}
			out.Body.Channels = append(out.Body.Channels, channelInfo(ch.Stats()))
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "listSessions",
		Method:      "GET",
		Path:        "/api/v1/sessions",
		Summary:     "List sessions",
		Description: "Returns the live player sessions and their playback state.",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, _ *struct{}) (*listSessionsOutput, error) {
		sessions, err := s.SessionSnapshot(ctx)
		if err != nil {
			return nil, huma.Error503ServiceUnavailable("dispatcher unavailable", err)
		}
		out := &listSessionsOutput{}
		out.Body.Sessions = sessions
		return out, nil
	})
}

func channelInfo(st store.Stats) ChannelInfo {
	return ChannelInfo{
		Name:          st.Name,
		VideoFormats:  st.VideoFormats,
		AudioFormats:  st.AudioFormats,
		VideoChunks:   st.VideoChunks,
		AudioChunks:   st.AudioChunks,
		ReadyFrontier: st.ReadyFrontier,
		CleanFrontier: st.VCleanFrontier,
	}
}
