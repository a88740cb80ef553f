package stylelock

import "sort"

// Profile is the locked visual style of a project. Values returned by
// Lookup are copies; the built-in table never changes.
type Profile struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Prefix        string   `json:"prefix"`
	Suffix        string   `json:"suffix"`
	NegativeTerms []string `json:"negative_terms"`
}

const DefaultProfile = "realistic"

var baseNegatives = []string{
	"low quality", "blurry", "distorted", "deformed", "bad anatomy",
	"watermark", "text", "signature", "out of frame",
}

var profiles = map[string]Profile{
	"realistic": {
		ID:          "realistic",
		Name:        "Realistic",
		Description: "Photorealistic, natural lighting",
		Prefix:      "Professional documentary photograph of",
		Suffix:      "photorealistic, high detail, natural lighting, professional photography, 8k uhd, dslr, soft lighting, film grain",
		NegativeTerms: []string{
			"cute style", "adorable", "kawaii", "chibi", "cartoon", "illustrated",
			"animated", "stylized", "unrealistic proportions", "big eyes",
			"simplified features", "cel shaded", "disney", "pixar", "dreamworks",
			"3d render", "cgi",
		},
	},
	"anime": {
		ID:            "anime",
		Name:          "Anime",
		Description:   "Japanese animation style",
		Prefix:        "Anime key visual of",
		Suffix:        "anime style, japanese animation, vibrant colors, cel shaded, highly detailed",
		NegativeTerms: []string{"photorealistic", "photograph", "3d render", "realistic skin texture", "western cartoon"},
	},
	"fantasy": {
		ID:            "fantasy",
		Name:          "Fantasy",
		Description:   "Epic fantasy art style",
		Prefix:        "Epic fantasy concept art of",
		Suffix:        "fantasy art, magical atmosphere, dramatic lighting, vibrant colors, detailed",
		NegativeTerms: []string{"modern city", "photograph", "cartoon", "chibi", "flat colors"},
	},
	"cyberpunk": {
		ID:            "cyberpunk",
		Name:          "Cyberpunk",
		Description:   "Futuristic sci-fi aesthetic",
		Prefix:        "Cyberpunk scene of",
		Suffix:        "cyberpunk, neon lights, futuristic, high tech, dystopian, sci-fi, synthwave, glowing elements",
		NegativeTerms: []string{"medieval", "rustic", "daylight pastoral", "cartoon", "chibi"},
	},
	"oil-painting": {
		ID:            "oil-painting",
		Name:          "Oil Painting",
		Description:   "Classic oil painting style",
		Prefix:        "Classical oil painting of",
		Suffix:        "oil painting, fine art, visible brush strokes, canvas texture, museum quality",
		NegativeTerms: []string{"photograph", "photorealistic", "3d render", "anime", "cartoon", "digital art"},
	},
	"3d-render": {
		ID:            "3d-render",
		Name:          "3D Render",
		Description:   "Modern 3D rendered",
		Prefix:        "3D rendered scene of",
		Suffix:        "3d render, octane render, highly detailed, smooth, sharp focus, ray tracing",
		NegativeTerms: []string{"photograph", "flat illustration", "sketch", "watercolor", "anime"},
	},
	"watercolor": {
		ID:            "watercolor",
		Name:          "Watercolor",
		Description:   "Soft watercolor painting",
		Prefix:        "Watercolor painting of",
		Suffix:        "watercolor painting, soft colors, flowing, delicate, pastel tones, hand painted",
		NegativeTerms: []string{"photograph", "photorealistic", "3d render", "harsh lines", "neon"},
	},
	"comic-book": {
		ID:            "comic-book",
		Name:          "Comic Book",
		Description:   "Comic book illustration",
		Prefix:        "Comic book panel of",
		Suffix:        "comic book style, bold lines, vibrant colors, halftone dots, graphic novel, dynamic composition",
		NegativeTerms: []string{"photograph", "photorealistic", "3d render", "watercolor", "blurry lines"},
	},
}

// Lookup returns the profile for id, falling back to the realistic profile.
func Lookup(id string) Profile {
	p, ok := profiles[id]
	if !ok {
		p = profiles[DefaultProfile]
	}
	return p.clone()
}

// Exists reports whether id names a built-in profile.
func Exists(id string) bool {
	_, ok := profiles[id]
	return ok
}

// IDs lists the built-in profile IDs in sorted order.
func IDs() []string {
	ids := make([]string, 0, len(profiles))
	for id := range profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p Profile) clone() Profile {
	terms := make([]string, 0, len(p.NegativeTerms)+len(baseNegatives))
	terms = append(terms, p.NegativeTerms...)
	terms = append(terms, baseNegatives...)
	p.NegativeTerms = terms
	return p
}
