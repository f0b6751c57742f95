package functions

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"

	"google.golang.org/genai"

	"github.com/room4-2/openconverse-voice/engine"
)

const (
	DefaultTextModel  = "gemini-2.5-flash"
	DefaultImageModel = "imagen-4.0-generate-001"

	describePrompt = "Describe this image in enough detail that an artist could redraw it. Cover subject, composition, colours and style."
	filePrompt     = "Write the complete contents of the requested file. Output only the file contents, without code fences or commentary."
)

// Models is the part of *genai.Models the built-in tools use.
type Models interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateImages(ctx context.Context, model string, prompt string, config *genai.GenerateImagesConfig) (*genai.GenerateImagesResponse, error)
}

type BuiltinOptions struct {
	TextModel  string
	ImageModel string
}

type builtins struct {
	models     Models
	store      ArtifactStore
	textModel  string
	imageModel string
}

// RegisterBuiltins adds web_search, generate_image and generate_file.
func RegisterBuiltins(r *Registry, models Models, store ArtifactStore, opts BuiltinOptions) error {
	if opts.TextModel == "" {
		opts.TextModel = DefaultTextModel
	}
	if opts.ImageModel == "" {
		opts.ImageModel = DefaultImageModel
	}
	b := &builtins{models: models, store: store, textModel: opts.TextModel, imageModel: opts.ImageModel}
	for _, t := range []Tool{
		{Kind: engine.ToolSearch, Declaration: WebSearchFunctionDeclaration(), Handler: b.webSearch},
		{Kind: engine.ToolImage, Declaration: GenerateImageFunctionDeclaration(), Handler: b.generateImage},
		{Kind: engine.ToolFile, Declaration: GenerateFileFunctionDeclaration(), Handler: b.generateFile},
	} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func (b *builtins) webSearch(ctx context.Context, call engine.ToolCall) (engine.ToolResult, error) {
	query, err := stringArg(call, "query")
	if err != nil {
		return engine.ToolResult{}, err
	}
	resp, err := b.models.GenerateContent(ctx, b.textModel,
		[]*genai.Content{genai.NewContentFromText(query, genai.RoleUser)},
		&genai.GenerateContentConfig{
			Tools: []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
		})
	if err != nil {
		return engine.ToolResult{}, fmt.Errorf("web search: %w", err)
	}
	summary := strings.TrimSpace(resp.Text())
	if summary == "" {
		return engine.ToolResult{}, errors.New("web search returned no results")
	}
	return engine.ToolResult{Payload: map[string]any{"summary": summary}}, nil
}

func (b *builtins) generateImage(ctx context.Context, call engine.ToolCall) (engine.ToolResult, error) {
	prompt, err := stringArg(call, "prompt")
	if err != nil {
		return engine.ToolResult{}, err
	}
	if att := call.Attachment; att != nil && len(att.Data) > 0 {
		ref, err := b.describe(ctx, att)
		if err != nil {
			return engine.ToolResult{}, err
		}
		prompt = fmt.Sprintf("%s\n\nBase it on this reference image: %s", prompt, ref)
	}

	resp, err := b.models.GenerateImages(ctx, b.imageModel, prompt, &genai.GenerateImagesConfig{
		NumberOfImages: 1,
		OutputMIMEType: "image/png",
	})
	if err != nil {
		return engine.ToolResult{}, fmt.Errorf("generate image: %w", err)
	}
	var img *genai.Image
	for _, g := range resp.GeneratedImages {
		if g != nil && g.Image != nil && len(g.Image.ImageBytes) > 0 {
			img = g.Image
			break
		}
	}
	if img == nil {
		return engine.ToolResult{}, errors.New("generate image: no image returned (it may have been filtered)")
	}
	mimeType := img.MIMEType
	if mimeType == "" {
		mimeType = "image/png"
	}
	art, err := b.store.Put(ctx, "image", mimeType, img.ImageBytes)
	if err != nil {
		return engine.ToolResult{}, err
	}
	return engine.ToolResult{
		Payload:   map[string]any{"status": "image shown to the user", "image": art.Ref},
		Artifacts: []engine.Artifact{art},
	}, nil
}

// describe turns the user's photo into text the image model can follow.
func (b *builtins) describe(ctx context.Context, att *engine.Attachment) (string, error) {
	content := genai.NewContentFromParts([]*genai.Part{
		genai.NewPartFromBytes(att.Data, att.MIMEType),
		genai.NewPartFromText(describePrompt),
	}, genai.RoleUser)
	resp, err := b.models.GenerateContent(ctx, b.textModel, []*genai.Content{content}, nil)
	if err != nil {
		return "", fmt.Errorf("describe reference image: %w", err)
	}
	return strings.TrimSpace(resp.Text()), nil
}

func (b *builtins) generateFile(ctx context.Context, call engine.ToolCall) (engine.ToolResult, error) {
	filename, err := stringArg(call, "filename")
	if err != nil {
		return engine.ToolResult{}, err
	}
	instructions, err := stringArg(call, "instructions")
	if err != nil {
		return engine.ToolResult{}, err
	}
	filename = path.Base(filename)

	resp, err := b.models.GenerateContent(ctx, b.textModel,
		[]*genai.Content{genai.NewContentFromText(fmt.Sprintf("File name: %s\n\n%s", filename, instructions), genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(filePrompt, genai.RoleUser),
		})
	if err != nil {
		return engine.ToolResult{}, fmt.Errorf("generate file: %w", err)
	}
	body := resp.Text()
	if strings.TrimSpace(body) == "" {
		return engine.ToolResult{}, errors.New("generate file: empty content")
	}

	art, err := b.store.Put(ctx, "file", fileMIMEType(filename), []byte(body))
	if err != nil {
		return engine.ToolResult{}, err
	}
	return engine.ToolResult{
		Payload: map[string]any{
			"status":   "file ready for the user",
			"file":     art.Ref,
			"filename": filename,
			"bytes":    len(body),
		},
		Artifacts: []engine.Artifact{art},
	}, nil
}

func fileMIMEType(filename string) string {
	if t := mime.TypeByExtension(path.Ext(filename)); t != "" {
		return t
	}
	return "text/plain; charset=utf-8"
}
