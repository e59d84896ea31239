package provider

import (
	"encoding/base64"
	"fmt"

	"github.com/CJackHwang/HeyMean-sub000/internal/model"
)

// AttachmentTextBudget caps how many bytes of an inlined text attachment are
// sent to a provider.
const AttachmentTextBudget = 64 * 1024

const truncationMarker = "\n\n[attachment truncated]"

// inlineText decodes a text-like attachment's payload and truncates it to the
// byte budget, appending a marker when content was cut.
func inlineText(att model.Attachment) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(att.Data)
	if err != nil {
		return "", &ClassifiedError{
			Category: CategoryUnsupportedAttachment,
			Message:  fmt.Sprintf("attachment %q has an undecodable payload", att.Name),
			Original: err,
		}
	}
	if len(raw) <= AttachmentTextBudget {
		return string(raw), nil
	}
	return string(raw[:AttachmentTextBudget]) + truncationMarker, nil
}

// attachmentHeader labels an inlined attachment inside the prompt text.
func attachmentHeader(att model.Attachment) string {
	return fmt.Sprintf("\n\n--- attachment: %s (%s) ---\n", att.Name, att.MIME)
}

// dataURL renders an image attachment as a data URL for providers that take
// image content by URL.
func dataURL(att model.Attachment) string {
	return "data:" + att.MIME + ";base64," + att.Data
}

// unsupported builds the pre-network rejection for an attachment the target
// backend cannot accept.
func unsupported(kind Kind, att model.Attachment) error {
	return &ClassifiedError{
		Category: CategoryUnsupportedAttachment,
		Message:  fmt.Sprintf("%s cannot accept attachment %q of type %s", kind, att.Name, att.MIME),
	}
}
