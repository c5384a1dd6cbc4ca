// Package sdp builds the session description handed to viewers when
// they join, describing the relay's outbound audio and video streams.
package sdp

import (
	"fmt"
	"log/slog"

	"github.com/pion/sdp/v3"

	"github.com/sebas/streamrelay/internal/relay/media"
)

// StreamInfo describes one outbound stream for the SDP.
type StreamInfo struct {
	Codec media.Codec
	Port  int
	SSRC  uint32
}

// BuildStreamSDP creates a session description advertising the relay's
// streams at the given address. Returns nil when marshaling fails,
// which only happens on a malformed description and is logged.
func BuildStreamSDP(advertiseAddr string, sessionID uint64, streams []StreamInfo) []byte {
	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "streamrelay",
			SessionID:      sessionID,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: advertiseAddr,
		},
		SessionName: "Console Remote Play",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address: &sdp.Address{
				Address: advertiseAddr,
			},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	for _, s := range streams {
		desc.MediaDescriptions = append(desc.MediaDescriptions, mediaDescription(s))
	}

	body, err := desc.Marshal()
	if err != nil {
		slog.Error("[SDP] Failed to marshal stream description", "error", err)
		return nil
	}
	return body
}

func mediaDescription(s StreamInfo) *sdp.MediaDescription {
	kind := "video"
	if s.Codec.IsAudio() {
		kind = "audio"
	}
	pt := fmt.Sprintf("%d", s.Codec.PayloadType)

	rtpmap := fmt.Sprintf("%s %s/%d", pt, s.Codec.Name, s.Codec.ClockRate)
	if s.Codec.Channels > 1 {
		rtpmap = fmt.Sprintf("%s/%d", rtpmap, s.Codec.Channels)
	}

	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   kind,
			Port:    sdp.RangedPort{Value: s.Port},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{pt},
		},
		Attributes: []sdp.Attribute{
			{Key: "rtpmap", Value: rtpmap},
			{Key: "ssrc", Value: fmt.Sprintf("%d", s.SSRC)},
			{Key: "recvonly"},
		},
	}
	return md
}
