// Package emotion holds the closed set of expression labels the viewer knows
// about and how each one is displayed.
package emotion

import (
	"fmt"
	"math"
	"sort"
)

// Label is an expression name as reported by the model.
type Label string

const (
	Happy     Label = "happy"
	Sad       Label = "sad"
	Angry     Label = "angry"
	Surprised Label = "surprised"
	Fearful   Label = "fearful"
	Disgusted Label = "disgusted"
	Neutral   Label = "neutral"
)

// canonical is the display and tie-break order.
var canonical = []Label{Happy, Sad, Angry, Surprised, Fearful, Disgusted, Neutral}

var glyphs = map[Label]string{
	Happy:     "😄",
	Sad:       "😢",
	Angry:     "😠",
	Surprised: "😲",
	Fearful:   "😨",
	Disgusted: "🤢",
	Neutral:   "😐",
}

// Labels returns the known labels in display order.
func Labels() []Label {
	out := make([]Label, len(canonical))
	copy(out, canonical)
	return out
}

// Known reports whether l belongs to the closed label set.
func (l Label) Known() bool {
	_, ok := glyphs[l]
	return ok
}

// Scores maps a label to a probability in [0,1]. Values are not assumed to sum to 1.
type Scores map[Label]float64

// FromMap converts the raw JSON map of a detection.
func FromMap(raw map[string]float64) Scores {
	s := make(Scores, len(raw))
	for k, v := range raw {
		s[Label(k)] = v
	}
	return s
}

// Dominant returns the label with the strictly highest probability.
// Known labels are visited in display order, then unknown labels lexically;
// the first strictly greater value wins, so ties go to the earlier label.
// Empty or all-zero scores yield Neutral with probability 0.
func Dominant(s Scores) (Label, float64) {
	best, bestP := Neutral, 0.0
	for _, l := range order(s) {
		if p := s[l]; p > bestP {
			best, bestP = l, p
		}
	}
	return best, bestP
}

func order(s Scores) []Label {
	out := make([]Label, 0, len(s))
	for _, l := range canonical {
		if _, ok := s[l]; ok {
			out = append(out, l)
		}
	}
	var unknown []Label
	for l := range s {
		if !l.Known() {
			unknown = append(unknown, l)
		}
	}
	sort.Slice(unknown, func(i, j int) bool { return unknown[i] < unknown[j] })
	return append(out, unknown...)
}

// Percent rounds a probability to a whole percentage in [0,100].
func Percent(p float64) int {
	if math.IsNaN(p) || p <= 0 {
		return 0
	}
	if p >= 1 {
		return 100
	}
	return int(math.Round(p * 100))
}

// Messages are the user-facing lines shown in the status and result surfaces.
type Messages struct {
	Loading             string
	LoadError           string
	Ready               string
	Starting            string
	Running             string
	Stopped             string
	IdleResult          string
	NoFace              string
	AllEmotions         string
	CameraError         string
	SnapshotTaken       string
	SnapshotNeedsCamera string
	SnapshotNoFrame     string
}

// Vocabulary is a locale's names and messages.
type Vocabulary struct {
	Locale   string
	names    map[Label]string
	unknown  string
	Messages Messages
}

// Glyph returns the emoji for l, falling back to the neutral face.
func (v *Vocabulary) Glyph(l Label) string {
	if g, ok := glyphs[l]; ok {
		return g
	}
	return glyphs[Neutral]
}

// Name returns the localized name for l, or the locale's "unknown" word.
func (v *Vocabulary) Name(l Label) string {
	if n, ok := v.names[l]; ok {
		return n
	}
	return v.unknown
}

var vocabularies = map[string]*Vocabulary{
	"en": {
		Locale: "en",
		names: map[Label]string{
			Happy:     "Happy",
			Sad:       "Sad",
			Angry:     "Angry",
			Surprised: "Surprised",
			Fearful:   "Fearful",
			Disgusted: "Disgusted",
			Neutral:   "Neutral",
		},
		unknown: "Unknown",
		Messages: Messages{
			Loading:             "Loading models...",
			LoadError:           "Error: ",
			Ready:               "Models loaded. Click \"Start camera\" to begin.",
			Starting:            "Starting camera...",
			Running:             "Camera is running. Analyzing expressions...",
			Stopped:             "Camera stopped. Click \"Start camera\" to resume.",
			IdleResult:          "Nothing detected yet",
			NoFace:              "No face detected",
			AllEmotions:         "All emotions:",
			CameraError:         "Camera access error: ",
			SnapshotTaken:       "Snapshot taken!",
			SnapshotNeedsCamera: "Start the camera to take a snapshot.",
			SnapshotNoFrame:     "No frame received yet, try again in a moment.",
		},
	},
	"ja": {
		Locale: "ja",
		names: map[Label]string{
			Happy:     "喜び",
			Sad:       "悲しみ",
			Angry:     "怒り",
			Surprised: "驚き",
			Fearful:   "恐怖",
			Disgusted: "嫌悪",
			Neutral:   "無表情",
		},
		unknown: "不明",
		Messages: Messages{
			Loading:             "モデルを読み込み中...",
			LoadError:           "エラー: ",
			Ready:               "モデルの読み込みが完了しました。「カメラ開始」ボタンをクリックしてください。",
			Starting:            "カメラを起動しています...",
			Running:             "カメラが起動しています。表情を分析しています...",
			Stopped:             "カメラが停止しました。「カメラ開始」ボタンをクリックして再開できます。",
			IdleResult:          "まだ検出されていません",
			NoFace:              "顔が検出されていません",
			AllEmotions:         "すべての感情:",
			CameraError:         "カメラへのアクセスエラー: ",
			SnapshotTaken:       "スナップショットを撮影しました！",
			SnapshotNeedsCamera: "スナップショットを撮影するにはカメラを開始してください。",
			SnapshotNoFrame:     "まだフレームを受信していません。",
		},
	},
}

// Locales lists the supported locale codes.
func Locales() []string {
	out := make([]string, 0, len(vocabularies))
	for k := range vocabularies {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// For returns the vocabulary for a locale code.
func For(locale string) (*Vocabulary, error) {
	v, ok := vocabularies[locale]
	if !ok {
		return nil, fmt.Errorf("unsupported locale %q (supported: %v)", locale, Locales())
	}
	return v, nil
}

// Default is the English vocabulary.
func Default() *Vocabulary {
	return vocabularies["en"]
}
