package messaging

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"mime"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/jaakkos/mailroom/internal/archive"
	"github.com/jaakkos/mailroom/internal/domain"
)

// attachmentBundle is the outcome of loading attachment paths: the stable
// ordered attachment list for the message row plus the file-class payloads
// destined for the archive.
type attachmentBundle struct {
	attachments []domain.Attachment
	files       map[string][]byte // archive-relative path -> bytes
}

// loadAttachments reads each path, optionally converts images to WebP, and
// classifies by size: at or under the inline threshold becomes an inline
// data URI; larger becomes a content-addressed archive file. Unreadable
// paths become missing entries unless the strict setting is on.
func (e *Engine) loadAttachments(paths []string, policy string, convertImages bool) (*attachmentBundle, error) {
	b := &attachmentBundle{files: map[string][]byte{}}
	if policy == domain.AttachDrop {
		return b, nil
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if e.settings.AttachmentMissingIsError {
				return nil, domain.Invalid("attachment %q unreadable: %v", path, err)
			}
			b.attachments = append(b.attachments, domain.Attachment{
				Type:         domain.AttachMissing,
				OriginalPath: path,
			})
			continue
		}

		ext := strings.TrimPrefix(filepath.Ext(path), ".")
		mediaType := mime.TypeByExtension("." + ext)
		if mediaType == "" {
			mediaType = "application/octet-stream"
		}
		if convertImages && e.settings.ConvertImages && isConvertibleImage(mediaType) {
			if converted, err := convertToWebP(path); err == nil {
				data, ext, mediaType = converted, "webp", "image/webp"
			} else {
				e.logger.Printf("messaging: webp conversion of %s failed, keeping original: %v", path, err)
			}
		}

		sum := sha256.Sum256(data)
		sha := hex.EncodeToString(sum[:])
		a := domain.Attachment{
			MediaType:    mediaType,
			Bytes:        int64(len(data)),
			SHA256:       sha,
			OriginalPath: path,
		}
		inline := policy == domain.AttachInline ||
			(policy != domain.AttachFile && int64(len(data)) <= e.settings.InlineImageMaxBytes)
		if inline {
			a.Type = domain.AttachInline
			a.DataURI = fmt.Sprintf("data:%s;base64,%s", mediaType, base64.StdEncoding.EncodeToString(data))
		} else {
			a.Type = domain.AttachFile
			rel := archive.AttachmentRel(sha, ext)
			a.Path = rel
			b.files[rel] = data
		}
		b.attachments = append(b.attachments, a)
	}
	return b, nil
}

func isConvertibleImage(mediaType string) bool {
	switch mediaType {
	case "image/png", "image/jpeg", "image/gif", "image/tiff", "image/bmp":
		return true
	}
	return false
}

// convertToWebP shells out to cwebp. Conversion is best-effort; callers keep
// the original bytes on any failure.
func convertToWebP(path string) ([]byte, error) {
	tool, err := exec.LookPath("cwebp")
	if err != nil {
		return nil, fmt.Errorf("cwebp not installed: %w", err)
	}
	out := filepath.Join(os.TempDir(), fmt.Sprintf("mailroom-%d.webp", os.Getpid()))
	defer os.Remove(out)
	cmd := exec.Command(tool, "-quiet", path, "-o", out)
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("cwebp %s: %w", path, err)
	}
	return os.ReadFile(out)
}
