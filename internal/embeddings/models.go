package embeddings

// fastEmbedDimensions maps accepted FastEmbed model names to their output
// dimension. Both the Hugging Face names and the fastembed constants are
// accepted.
var fastEmbedDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"BAAI/bge-small-zh-v1.5":                 512,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
	"fast-bge-small-en-v1.5":                 384,
	"fast-bge-small-en":                      384,
	"fast-bge-base-en-v1.5":                  768,
	"fast-bge-base-en":                       768,
	"fast-bge-small-zh-v1.5":                 512,
	"fast-all-MiniLM-L6-v2":                  384,
}

// DefaultFastEmbedModel is used when no model is configured for FastEmbed.
const DefaultFastEmbedModel = "BAAI/bge-small-en-v1.5"

// FastEmbedDimension returns the output dimension of a FastEmbed model.
func FastEmbedDimension(model string) (int, bool) {
	dim, ok := fastEmbedDimensions[model]
	return dim, ok
}
