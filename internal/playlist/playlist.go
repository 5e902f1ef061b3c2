// Package playlist synthesizes HLS manifests on demand from the segment
// directory tree. Nothing is cached: every request re-reads the filesystem so
// the playlist always reflects the segments that exist right now.
package playlist

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"meshcast/internal/models"
)

var (
	// ErrStreamNotFound marks a stream id with no segment directory.
	ErrStreamNotFound = errors.New("playlist: stream not found")

	// ErrRenditionNotFound marks a rendition with no directory under the
	// stream.
	ErrRenditionNotFound = errors.New("playlist: rendition not found")

	// ErrNoSegments marks a rendition directory with no segments yet.
	ErrNoSegments = errors.New("playlist: no segments available")
)

// hlsCodecs is the codec string advertised for every variant; all renditions
// encode H.264 main profile with AAC-LC audio.
const hlsCodecs = `avc1.4d001f,mp4a.40.2`

// Synthesizer builds master and rendition playlists for one segments root.
type Synthesizer struct {
	segmentsRoot    string
	segmentDuration int
	catalog         map[string]models.Rendition
	logger          *slog.Logger
}

// NewSynthesizer wires a Synthesizer over the segment tree. The catalog
// supplies variant metadata for the master playlist; directories without a
// catalog entry are omitted from it.
func NewSynthesizer(segmentsRoot string, segmentDuration int, ladder []models.Rendition, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	if segmentDuration <= 0 {
		segmentDuration = 4
	}
	return &Synthesizer{
		segmentsRoot:    segmentsRoot,
		segmentDuration: segmentDuration,
		catalog:         models.LadderByName(ladder),
		logger:          logger,
	}
}

// SegmentPath resolves one segment file under the tree.
func (s *Synthesizer) SegmentPath(streamID, rendition string, sequence int) string {
	return filepath.Join(s.segmentsRoot, streamID, rendition, strconv.Itoa(sequence)+".ts")
}

// Master builds the variant playlist for a stream from its rendition
// directories. Directories that are not in the catalog are skipped silently.
func (s *Synthesizer) Master(streamID string) (string, error) {
	renditions, err := s.Renditions(streamID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")
	variants := 0
	for _, name := range renditions {
		rendition, ok := s.catalog[name]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,FRAME-RATE=%d,CODECS=%q\n",
			rendition.VideoBitrate*1000, rendition.Width, rendition.Height, rendition.FPS, hlsCodecs)
		fmt.Fprintf(&b, "%s/playlist.m3u8\n", name)
		variants++
	}
	if variants == 0 {
		return "", fmt.Errorf("%w: stream %s has no known renditions", ErrRenditionNotFound, streamID)
	}
	return b.String(), nil
}

// Rendition builds the media playlist for one stream/rendition pair. Sequence
// numbers are sorted numerically; the media sequence is the smallest present;
// gaps are logged and simply omitted; each entry is re-checked on disk
// immediately before emission so a segment deleted mid-build never appears.
// Live playlists never carry ENDLIST.
func (s *Synthesizer) Rendition(streamID, rendition string) (string, error) {
	dir := filepath.Join(s.segmentsRoot, streamID, rendition)
	sequences, err := s.Segments(streamID, rendition)
	if err != nil {
		return "", err
	}
	if len(sequences) == 0 {
		return "", fmt.Errorf("%w: %s/%s", ErrNoSegments, streamID, rendition)
	}

	s.logGaps(streamID, rendition, sequences)

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", s.segmentDuration)
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", sequences[0])
	b.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")
	b.WriteString("#EXT-X-ALLOW-CACHE:YES\n")
	for _, seq := range sequences {
		path := filepath.Join(dir, strconv.Itoa(seq)+".ts")
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			s.logger.Warn("skipping missing or empty segment",
				"streamId", streamID, "rendition", rendition, "sequence", seq)
			continue
		}
		fmt.Fprintf(&b, "#EXTINF:%d.0,\n", s.segmentDuration)
		fmt.Fprintf(&b, "%d.ts\n", seq)
	}
	return b.String(), nil
}

// Renditions lists the rendition directories present for a stream, sorted.
func (s *Synthesizer) Renditions(streamID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.segmentsRoot, streamID))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}
	renditions := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			renditions = append(renditions, entry.Name())
		}
	}
	sort.Strings(renditions)
	return renditions, nil
}

// Segments lists a rendition's segment sequence numbers in ascending order.
func (s *Synthesizer) Segments(streamID, rendition string) ([]int, error) {
	dir := filepath.Join(s.segmentsRoot, streamID, rendition)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrRenditionNotFound, streamID, rendition)
	}
	sequences := make([]int, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".ts") {
			continue
		}
		seq, err := strconv.Atoi(strings.TrimSuffix(name, ".ts"))
		if err != nil {
			continue
		}
		sequences = append(sequences, seq)
	}
	sort.Ints(sequences)
	return sequences, nil
}

// Streams scans the tree for stream directories with their liveness and
// rendition sets.
func (s *Synthesizer) Streams() ([]StreamInfo, error) {
	entries, err := os.ReadDir(s.segmentsRoot)
	if err != nil {
		return nil, fmt.Errorf("scan segments root: %w", err)
	}
	streams := make([]StreamInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		streamID := entry.Name()
		children, err := os.ReadDir(filepath.Join(s.segmentsRoot, streamID))
		if err != nil {
			continue
		}
		info := StreamInfo{ID: streamID, IsLive: len(children) > 0, Renditions: []string{}}
		for _, child := range children {
			if child.IsDir() {
				info.Renditions = append(info.Renditions, child.Name())
			}
		}
		sort.Strings(info.Renditions)
		streams = append(streams, info)
	}
	return streams, nil
}

// StreamInfo is the directory-scan view of one stream.
type StreamInfo struct {
	ID         string   `json:"id"`
	IsLive     bool     `json:"isLive"`
	Renditions []string `json:"renditions"`
}

func (s *Synthesizer) logGaps(streamID, rendition string, sequences []int) {
	min, max := sequences[0], sequences[len(sequences)-1]
	if len(sequences) == max-min+1 {
		return
	}
	present := make(map[int]bool, len(sequences))
	for _, seq := range sequences {
		present[seq] = true
	}
	missing := make([]string, 0)
	for seq := min; seq <= max; seq++ {
		if !present[seq] {
			missing = append(missing, strconv.Itoa(seq))
		}
	}
	s.logger.Warn("gaps in segment sequence",
		"streamId", streamID,
		"rendition", rendition,
		"missing", strings.Join(missing, ","))
}
