package delivery

import (
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"campaignbot/internal/model"
	"campaignbot/internal/transport"
)

// KindDetector resolves whether a media file is sent as a photo or a video.
type KindDetector func(item model.MediaItem) (transport.MediaKind, error)

// DetectKind sniffs the file content. The stored kind is only used when the
// content type is neither image nor video.
func DetectKind(item model.MediaItem) (transport.MediaKind, error) {
	mt, err := mimetype.DetectFile(item.Path)
	if err != nil {
		return "", fmt.Errorf("detect media %s: %w", item.Path, err)
	}
	for m := mt; m != nil; m = m.Parent() {
		switch {
		case strings.HasPrefix(m.String(), "image/"):
			return transport.MediaPhoto, nil
		case strings.HasPrefix(m.String(), "video/"):
			return transport.MediaVideo, nil
		}
	}
	switch item.Kind {
	case model.MediaPhoto:
		return transport.MediaPhoto, nil
	case model.MediaVideo:
		return transport.MediaVideo, nil
	}
	return "", fmt.Errorf("media %s: unsupported content type %s", item.Path, mt.String())
}
