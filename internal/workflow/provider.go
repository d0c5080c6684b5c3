package workflow

import (
	"context"
	"encoding/json"

	"github.com/MarkoPoloResearchLab/addreams/pkg/ledger"
)

// Request is what a provider receives for one generation.
type Request struct {
	GenerationID ledger.GenerationID
	Workflow     ledger.Workflow
	Payload      Payload
}

// Image is one generated asset returned inline by the provider.
type Image struct {
	MIMEType string
	Data     []byte
}

// Response is a successful provider call.
type Response struct {
	RequestID string
	Model     string
	Text      string
	Images    []Image
}

// Provider runs generations against an upstream model.
type Provider interface {
	Supports(workflow ledger.Workflow) bool
	Generate(ctx context.Context, request Request) (Response, error)
}

type recordedImage struct {
	MIMEType  string `json:"mimeType"`
	SizeBytes int    `json:"sizeBytes"`
}

type recordedOutput struct {
	Images []recordedImage `json:"images"`
	Text   string          `json:"text,omitempty"`
}

// OutputJSON summarizes the response for the generation record.
func (response Response) OutputJSON() (json.RawMessage, error) {
	output := recordedOutput{Images: make([]recordedImage, 0, len(response.Images)), Text: response.Text}
	for _, image := range response.Images {
		output.Images = append(output.Images, recordedImage{MIMEType: image.MIMEType, SizeBytes: len(image.Data)})
	}
	return json.Marshal(output)
}
