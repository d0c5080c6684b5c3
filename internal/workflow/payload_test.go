package workflow

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/MarkoPoloResearchLab/addreams/pkg/ledger"
)

var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func referenceBody(mimeType string, data string) string {
	return `{"prompt":"hero shot","referenceImage":{"mimeType":"` + mimeType + `","data":"` + data + `"}}`
}

func TestParsePayloadTextShape(test *testing.T) {
	test.Parallel()
	payload, err := ParsePayload(ledger.WorkflowImageFromText, []byte(`{"prompt":"  a red mug  ","style":"studio","productName":"Mug"}`))
	if err != nil {
		test.Fatalf("parse: %v", err)
	}
	if payload.Prompt != "a red mug" || payload.AspectRatio != "1:1" || payload.Style != "studio" || payload.ProductName != "Mug" {
		test.Fatalf("unexpected payload %+v", payload)
	}
	if payload.ReferenceImage != nil {
		test.Fatalf("text payload must not carry a reference image")
	}
}

func TestParsePayloadReferenceShape(test *testing.T) {
	test.Parallel()
	encoded := base64.StdEncoding.EncodeToString(pngBytes)
	testCases := []struct {
		name string
		data string
	}{
		{name: "plain_base64", data: encoded},
		{name: "data_url", data: "data:image/png;base64," + encoded},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			payload, err := ParsePayload(ledger.WorkflowImageFromReference, []byte(referenceBody("IMAGE/PNG", testCase.data)))
			if err != nil {
				test.Fatalf("parse: %v", err)
			}
			if payload.ReferenceImage == nil || payload.ReferenceImage.MIMEType != "image/png" || string(payload.ReferenceImage.Data) != string(pngBytes) {
				test.Fatalf("unexpected reference image %+v", payload.ReferenceImage)
			}
		})
	}
}

func TestParsePayloadRejectsInvalidInput(test *testing.T) {
	test.Parallel()
	encoded := base64.StdEncoding.EncodeToString(pngBytes)
	testCases := []struct {
		name     string
		workflow ledger.Workflow
		body     string
	}{
		{name: "malformed_json", workflow: ledger.WorkflowImageFromText, body: `{"prompt":`},
		{name: "unknown_field", workflow: ledger.WorkflowImageFromText, body: `{"prompt":"x","seed":4}`},
		{name: "trailing_garbage", workflow: ledger.WorkflowImageFromText, body: `{"prompt":"x"} trailing-garbage`},
		{name: "second_object", workflow: ledger.WorkflowImageFromText, body: `{"prompt":"x"}{"prompt":"y"}`},
		{name: "missing_prompt", workflow: ledger.WorkflowImageFromText, body: `{"prompt":"   "}`},
		{name: "long_prompt", workflow: ledger.WorkflowImageFromText, body: `{"prompt":"` + strings.Repeat("a", maxPromptLength+1) + `"}`},
		{name: "bad_aspect_ratio", workflow: ledger.WorkflowImageFromText, body: `{"prompt":"x","aspectRatio":"2:1"}`},
		{name: "long_style", workflow: ledger.WorkflowImageFromText, body: `{"prompt":"x","style":"` + strings.Repeat("s", maxFieldLength+1) + `"}`},
		{name: "reference_on_text", workflow: ledger.WorkflowImageFromText, body: referenceBody("image/png", encoded)},
		{name: "missing_reference", workflow: ledger.WorkflowImageFromReference, body: `{"prompt":"x"}`},
		{name: "unsupported_mime", workflow: ledger.WorkflowImageFromReference, body: referenceBody("image/gif", encoded)},
		{name: "empty_data", workflow: ledger.WorkflowVideoFromReference, body: referenceBody("image/jpeg", "")},
		{name: "bad_base64", workflow: ledger.WorkflowImageFromReference, body: referenceBody("image/webp", "***")},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if _, err := ParsePayload(testCase.workflow, []byte(testCase.body)); !errors.Is(err, ErrInvalidPayload) {
				test.Fatalf("expected ErrInvalidPayload, got %v", err)
			}
		})
	}
}

func TestParsePayloadRejectsOversizedReference(test *testing.T) {
	test.Parallel()
	encoded := base64.StdEncoding.EncodeToString(make([]byte, maxReferenceBytes+1))
	_, err := ParsePayload(ledger.WorkflowImageFromReference, []byte(referenceBody("image/png", encoded)))
	if !errors.Is(err, ErrInvalidPayload) || !strings.Contains(err.Error(), "10 MiB") {
		test.Fatalf("expected size rejection, got %v", err)
	}
}

func TestParsePayloadRejectsUnknownWorkflow(test *testing.T) {
	test.Parallel()
	if _, err := ParsePayload(ledger.Workflow("image-upscale"), []byte(`{"prompt":"x"}`)); !errors.Is(err, ledger.ErrInvalidWorkflow) {
		test.Fatalf("expected ErrInvalidWorkflow, got %v", err)
	}
}

func TestInputJSONSummarizesReference(test *testing.T) {
	test.Parallel()
	payload := Payload{Prompt: "x", AspectRatio: "16:9", ReferenceImage: &ReferenceImage{MIMEType: "image/png", Data: pngBytes}}
	raw, err := payload.InputJSON()
	if err != nil {
		test.Fatalf("input json: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		test.Fatalf("decode: %v", err)
	}
	reference, ok := decoded["referenceImage"].(map[string]any)
	if !ok || reference["sizeBytes"] != float64(len(pngBytes)) {
		test.Fatalf("unexpected recorded input %s", raw)
	}
	if _, hasData := reference["data"]; hasData {
		test.Fatalf("image bytes must not be recorded")
	}
}
