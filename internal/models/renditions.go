package models

// DefaultLadder is the full rendition catalog offered for live streams. It is
// loaded once at startup and must never be mutated at runtime; deployments
// narrow the set handed to fan-out via configuration, not by editing this
// table.
func DefaultLadder() []Rendition {
	return []Rendition{
		{Name: "1080p", VideoBitrate: 5000, AudioBitrate: 192, Width: 1920, Height: 1080, FPS: 30},
		{Name: "720p", VideoBitrate: 2500, AudioBitrate: 128, Width: 1280, Height: 720, FPS: 30},
		{Name: "480p", VideoBitrate: 1000, AudioBitrate: 96, Width: 854, Height: 480, FPS: 30},
		{Name: "360p", VideoBitrate: 500, AudioBitrate: 64, Width: 640, Height: 360, FPS: 30},
	}
}

// LadderByName indexes a rendition slice by profile name.
func LadderByName(ladder []Rendition) map[string]Rendition {
	byName := make(map[string]Rendition, len(ladder))
	for _, rendition := range ladder {
		byName[rendition.Name] = rendition
	}
	return byName
}
