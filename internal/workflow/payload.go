package workflow

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/MarkoPoloResearchLab/addreams/pkg/ledger"
)

const (
	maxPromptLength      = 4000
	maxFieldLength       = 200
	maxReferenceBytes    = 10 << 20
	defaultAspectRatio   = "1:1"
	mimeTypePNG          = "image/png"
	mimeTypeJPEG         = "image/jpeg"
	mimeTypeWEBP         = "image/webp"
	payloadFieldPrompt   = "prompt"
	payloadFieldAspect   = "aspectRatio"
	payloadFieldStyle    = "style"
	payloadFieldProduct  = "productName"
	payloadFieldImage    = "referenceImage"
	payloadFieldMimeType = "referenceImage.mimeType"
	payloadFieldData     = "referenceImage.data"
)

var supportedAspectRatios = map[string]struct{}{
	"1:1":  {},
	"3:4":  {},
	"4:3":  {},
	"9:16": {},
	"16:9": {},
}

var supportedReferenceTypes = map[string]struct{}{
	mimeTypePNG:  {},
	mimeTypeJPEG: {},
	mimeTypeWEBP: {},
}

// ReferenceImage is a decoded user-supplied image.
type ReferenceImage struct {
	MIMEType string
	Data     []byte
}

// Payload is a validated workflow request.
type Payload struct {
	Prompt         string
	AspectRatio    string
	Style          string
	ProductName    string
	ReferenceImage *ReferenceImage
}

type rawReferenceImage struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type rawPayload struct {
	Prompt         string             `json:"prompt"`
	AspectRatio    string             `json:"aspectRatio"`
	Style          string             `json:"style"`
	ProductName    string             `json:"productName"`
	ReferenceImage *rawReferenceImage `json:"referenceImage"`
}

// requiresReference reports whether the workflow consumes a reference image.
func requiresReference(workflow ledger.Workflow) bool {
	return workflow == ledger.WorkflowImageFromReference || workflow == ledger.WorkflowVideoFromReference
}

// ParsePayload decodes and validates the request body for workflow.
func ParsePayload(workflow ledger.Workflow, body []byte) (Payload, error) {
	if _, err := ledger.ParseWorkflow(workflow.String()); err != nil {
		return Payload{}, err
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	var raw rawPayload
	if err := decoder.Decode(&raw); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return Payload{}, fmt.Errorf("%w: unexpected data after the JSON object", ErrInvalidPayload)
	}

	payload := Payload{
		Prompt:      strings.TrimSpace(raw.Prompt),
		AspectRatio: strings.TrimSpace(raw.AspectRatio),
		Style:       strings.TrimSpace(raw.Style),
		ProductName: strings.TrimSpace(raw.ProductName),
	}
	if payload.Prompt == "" {
		return Payload{}, invalidField(payloadFieldPrompt, "is required")
	}
	if utf8.RuneCountInString(payload.Prompt) > maxPromptLength {
		return Payload{}, invalidField(payloadFieldPrompt, fmt.Sprintf("exceeds %d characters", maxPromptLength))
	}
	if payload.AspectRatio == "" {
		payload.AspectRatio = defaultAspectRatio
	}
	if _, ok := supportedAspectRatios[payload.AspectRatio]; !ok {
		return Payload{}, invalidField(payloadFieldAspect, fmt.Sprintf("%q is not supported", payload.AspectRatio))
	}
	if utf8.RuneCountInString(payload.Style) > maxFieldLength {
		return Payload{}, invalidField(payloadFieldStyle, fmt.Sprintf("exceeds %d characters", maxFieldLength))
	}
	if utf8.RuneCountInString(payload.ProductName) > maxFieldLength {
		return Payload{}, invalidField(payloadFieldProduct, fmt.Sprintf("exceeds %d characters", maxFieldLength))
	}

	if !requiresReference(workflow) {
		if raw.ReferenceImage != nil {
			return Payload{}, invalidField(payloadFieldImage, "is not accepted by "+workflow.String())
		}
		return payload, nil
	}
	if raw.ReferenceImage == nil {
		return Payload{}, invalidField(payloadFieldImage, "is required")
	}
	image, err := decodeReference(*raw.ReferenceImage)
	if err != nil {
		return Payload{}, err
	}
	payload.ReferenceImage = &image
	return payload, nil
}

func decodeReference(raw rawReferenceImage) (ReferenceImage, error) {
	mimeType := strings.ToLower(strings.TrimSpace(raw.MIMEType))
	if _, ok := supportedReferenceTypes[mimeType]; !ok {
		return ReferenceImage{}, invalidField(payloadFieldMimeType, fmt.Sprintf("%q is not supported", raw.MIMEType))
	}
	encoded := strings.TrimSpace(raw.Data)
	if prefix := "data:" + mimeType + ";base64,"; strings.HasPrefix(encoded, prefix) {
		encoded = strings.TrimPrefix(encoded, prefix)
	}
	if encoded == "" {
		return ReferenceImage{}, invalidField(payloadFieldData, "is required")
	}
	if base64.StdEncoding.DecodedLen(len(encoded)) > maxReferenceBytes+2 {
		return ReferenceImage{}, invalidField(payloadFieldData, "exceeds 10 MiB")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ReferenceImage{}, invalidField(payloadFieldData, "is not valid base64")
	}
	if len(data) > maxReferenceBytes {
		return ReferenceImage{}, invalidField(payloadFieldData, "exceeds 10 MiB")
	}
	return ReferenceImage{MIMEType: mimeType, Data: data}, nil
}

func invalidField(field string, problem string) error {
	return fmt.Errorf("%w: %s %s", ErrInvalidPayload, field, problem)
}

type recordedReference struct {
	MIMEType  string `json:"mimeType"`
	SizeBytes int    `json:"sizeBytes"`
}

type recordedInput struct {
	Prompt         string             `json:"prompt"`
	AspectRatio    string             `json:"aspectRatio"`
	Style          string             `json:"style,omitempty"`
	ProductName    string             `json:"productName,omitempty"`
	ReferenceImage *recordedReference `json:"referenceImage,omitempty"`
}

// InputJSON renders the payload as stored on the generation record. Image bytes are summarized, not stored.
func (payload Payload) InputJSON() (json.RawMessage, error) {
	input := recordedInput{
		Prompt:      payload.Prompt,
		AspectRatio: payload.AspectRatio,
		Style:       payload.Style,
		ProductName: payload.ProductName,
	}
	if payload.ReferenceImage != nil {
		input.ReferenceImage = &recordedReference{
			MIMEType:  payload.ReferenceImage.MIMEType,
			SizeBytes: len(payload.ReferenceImage.Data),
		}
	}
	return json.Marshal(input)
}
