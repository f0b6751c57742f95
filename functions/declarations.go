package functions

import "google.golang.org/genai"

const (
	WebSearch     = "web_search"
	GenerateImage = "generate_image"
	GenerateFile  = "generate_file"
)

// WebSearchFunctionDeclaration returns the function declaration for Gemini
func WebSearchFunctionDeclaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        WebSearch,
		Description: "Search the web for current information and return a short summary.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"query": {Type: genai.TypeString, Description: "What to look up."},
			},
			Required: []string{"query"},
		},
	}
}

// GenerateImageFunctionDeclaration returns the function declaration for Gemini
func GenerateImageFunctionDeclaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name: GenerateImage,
		Description: "Create an image from a description. If the user shared a photo, " +
			"it is used as the reference for the new image.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"prompt": {Type: genai.TypeString, Description: "Description of the image to create."},
			},
			Required: []string{"prompt"},
		},
	}
}

// GenerateFileFunctionDeclaration returns the function declaration for Gemini
func GenerateFileFunctionDeclaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        GenerateFile,
		Description: "Write a text document (notes, code, a list) and hand it to the user as a file.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"filename":     {Type: genai.TypeString, Description: "File name including extension, e.g. shopping.md."},
				"instructions": {Type: genai.TypeString, Description: "What the file should contain."},
			},
			Required: []string{"filename", "instructions"},
		},
	}
}
