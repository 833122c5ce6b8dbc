package deepgram

import (
	"net/url"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/callscribe/pkg/provider/stt"
	"github.com/MrWong99/callscribe/pkg/types"
)

func query(t *testing.T, p *Provider, cfg stt.StreamConfig) url.Values {
	t.Helper()
	raw, err := p.buildURL(cfg)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u.Query()
}

func TestBuildURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		opts []Option
		cfg  stt.StreamConfig
		want map[string]string
	}{
		{
			name: "canonical stream",
			cfg:  stt.StreamConfig{SampleRate: 16000, Channels: 1},
			want: map[string]string{
				"model":           "nova-3",
				"language":        "en",
				"encoding":        "linear16",
				"sample_rate":     "16000",
				"channels":        "1",
				"interim_results": "true",
				"endpointing":     "300",
			},
		},
		{
			name: "provider defaults fill an empty config",
			opts: []Option{WithModel("nova-2-phonecall"), WithLanguage("de"), WithSampleRate(8000)},
			want: map[string]string{
				"model":       "nova-2-phonecall",
				"language":    "de",
				"sample_rate": "8000",
				"channels":    "1",
			},
		},
		{
			name: "stream language wins",
			opts: []Option{WithLanguage("de")},
			cfg:  stt.StreamConfig{Language: "es", SampleRate: 16000},
			want: map[string]string{"language": "es"},
		},
		{
			name: "silence threshold becomes endpointing",
			opts: []Option{WithEndpointing(1500)},
			cfg:  stt.StreamConfig{SampleRate: 16000},
			want: map[string]string{"endpointing": "1500"},
		},
		{
			name: "endpointing disabled",
			opts: []Option{WithEndpointing(0)},
			cfg:  stt.StreamConfig{SampleRate: 16000},
			want: map[string]string{"endpointing": ""},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := New("key", tt.opts...)
			if err != nil {
				t.Fatal(err)
			}
			q := query(t, p, tt.cfg)
			for k, want := range tt.want {
				if got := q.Get(k); got != want {
					t.Errorf("%s = %q, want %q", k, got, want)
				}
			}
		})
	}
}

func TestBuildURL_KeywordBoosts(t *testing.T) {
	t.Parallel()
	p, err := New("key", WithEndpoint("ws://127.0.0.1:9/v1/listen"))
	if err != nil {
		t.Fatal(err)
	}

	q := query(t, p, stt.StreamConfig{SampleRate: 16000})
	if _, ok := q["keywords"]; ok {
		t.Error("keywords sent without boosts configured")
	}

	q = query(t, p, stt.StreamConfig{
		SampleRate: 16000,
		Keywords: []types.KeywordBoost{
			{Keyword: "Acme", Boost: 2},
			{Keyword: "Kubernetes", Boost: 1.5},
		},
	})
	got := q["keywords"]
	slices.Sort(got)
	if want := []string{"Acme:2", "Kubernetes:1.5"}; !slices.Equal(got, want) {
		t.Errorf("keywords = %v, want %v", got, want)
	}
}

func TestParseDeepgramResponse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		raw   string
		ok    bool
		final bool
		text  string
	}{
		{
			name:  "final with words",
			raw:   `{"type":"Results","is_final":true,"start":2,"duration":0.5,"channel":{"alternatives":[{"transcript":"send the invoice","confidence":0.91,"words":[{"word":"send","start":2.0,"end":2.2,"confidence":0.9}]}]}}`,
			ok:    true,
			final: true,
			text:  "send the invoice",
		},
		{
			name: "interim",
			raw:  `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"send the"}]}}`,
			ok:   true,
			text: "send the",
		},
		{
			name:  "empty final closes a segment",
			raw:   `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":""}]}}`,
			ok:    true,
			final: true,
		},
		{
			name: "empty interim",
			raw:  `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":""}]}}`,
		},
		{name: "metadata", raw: `{"type":"Metadata","request_id":"r-1"}`},
		{name: "utterance end", raw: `{"type":"UtteranceEnd","last_word_end":3.1}`},
		{name: "no alternatives", raw: `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`},
		{name: "garbage", raw: `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr, ok := parseDeepgramResponse([]byte(tt.raw))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if tr.IsFinal != tt.final || tr.Text != tt.text {
				t.Errorf("got final=%v text=%q", tr.IsFinal, tr.Text)
			}
		})
	}
}

func TestParseDeepgramResponse_Timing(t *testing.T) {
	t.Parallel()
	raw := `{"type":"Results","is_final":true,"start":2,"duration":0.5,"channel":{"alternatives":[{"transcript":"send","confidence":0.91,"words":[{"word":"send","start":2.0,"end":2.25,"confidence":0.9}]}]}}`
	tr, ok := parseDeepgramResponse([]byte(raw))
	if !ok {
		t.Fatal("result rejected")
	}
	if tr.Timestamp != 2*time.Second || tr.Duration != 500*time.Millisecond {
		t.Errorf("segment = %v+%v", tr.Timestamp, tr.Duration)
	}
	if tr.Confidence != 0.91 {
		t.Errorf("confidence = %v", tr.Confidence)
	}
	if len(tr.Words) != 1 || tr.Words[0].End != 2250*time.Millisecond {
		t.Errorf("words = %+v", tr.Words)
	}
}

func TestNew(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Error("empty api key accepted")
	}
	p, err := New("key")
	if err != nil {
		t.Fatal(err)
	}
	if p.endpoint != deepgramEndpoint || p.endpointMs != defaultEndpointMs || p.sampleRate != defaultSampleRate {
		t.Errorf("defaults = %+v", p)
	}
}
