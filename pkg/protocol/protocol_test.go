package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFrameRoundTripAllSizes(t *testing.T) {
	const maxLen = 300

	// Multi-byte runes so that frames split inside a character too.
	text := strings.Repeat("àé€x", maxLen)
	for size := 0; size <= maxLen; size++ {
		payload := []byte(text)[:size]

		var buf bytes.Buffer
		if err := WriteFrame(&buf, payload, maxLen); err != nil {
			t.Fatalf("WriteFrame(%d): %v", size, err)
		}
		got, err := ReadFrame(&buf, maxLen)
		if err != nil {
			t.Fatalf("ReadFrame(%d): %v", size, err)
		}
		if !bytes.Equal(payload, got) {
			t.Fatalf("size %d: round trip mismatch", size)
		}
	}
}

func TestDecoderSplitAnywhere(t *testing.T) {
	msgs := []string{"login mario segreto", "", "Challenge 1/3: cane", "perché così"}

	var stream []byte
	for _, m := range msgs {
		b, err := Encode([]byte(m), 64)
		if err != nil {
			t.Fatalf("Encode(%q): %v", m, err)
		}
		stream = append(stream, b...)
	}

	for _, step := range []int{1, 2, 3, 5, 7, len(stream)} {
		dec := NewDecoder(64)
		var got []string
		for i := 0; i < len(stream); i += step {
			end := min(i+step, len(stream))
			frames, err := dec.Feed(stream[i:end])
			if err != nil {
				t.Fatalf("step %d: Feed: %v", step, err)
			}
			for _, f := range frames {
				got = append(got, string(f))
			}
		}
		if dec.Partial() {
			t.Errorf("step %d: decoder left partial state", step)
		}
		if diff := cmp.Diff(msgs, got); diff != "" {
			t.Errorf("step %d: frames mismatch (-want +got):\n%s", step, diff)
		}
	}
}

func TestDecoderPartialIsNotAnError(t *testing.T) {
	dec := NewDecoder(16)
	frames, err := dec.Feed([]byte{0, 0})
	if err != nil || len(frames) != 0 {
		t.Fatalf("partial prefix: frames=%v err=%v", frames, err)
	}
	if !dec.Partial() {
		t.Fatalf("Partial() should report a half-read prefix")
	}
	frames, err = dec.Feed([]byte{0, 3, 'a'})
	if err != nil || len(frames) != 0 {
		t.Fatalf("partial payload: frames=%v err=%v", frames, err)
	}
	frames, err = dec.Feed([]byte{'b', 'c'})
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if diff := cmp.Diff([][]byte{[]byte("abc")}, frames); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestFrameTooLarge(t *testing.T) {
	if _, err := Encode(make([]byte, 11), 10); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Encode: want ErrFrameTooLarge got %v", err)
	}

	dec := NewDecoder(10)
	if _, err := dec.Feed([]byte{0, 0, 0, 11}); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Feed: want ErrFrameTooLarge got %v", err)
	}

	if _, err := ReadFrame(bytes.NewReader([]byte{0, 1, 0, 0}), 10); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("ReadFrame: want ErrFrameTooLarge got %v", err)
	}
}

// stingyWriter accepts at most n bytes per call and fails every other call.
type stingyWriter struct {
	n     int
	calls int
	buf   bytes.Buffer
}

var errTryAgain = errors.New("try again")

func (w *stingyWriter) Write(p []byte) (int, error) {
	w.calls++
	if w.calls%2 == 0 {
		return 0, errTryAgain
	}
	k := min(w.n, len(p))
	w.buf.Write(p[:k])
	if k < len(p) {
		return k, errTryAgain
	}
	return k, nil
}

func TestFrameWriterResumesShortWrites(t *testing.T) {
	fw := NewFrameWriter(64)
	msgs := []string{"Via alla sfida", "Challenge 1/2: gatto", "ok"}
	for _, m := range msgs {
		if err := fw.Queue([]byte(m)); err != nil {
			t.Fatalf("Queue: %v", err)
		}
	}

	w := &stingyWriter{n: 3}
	for attempts := 0; fw.Pending() > 0; attempts++ {
		if attempts > 1000 {
			t.Fatalf("Flush never completed")
		}
		if err := fw.Flush(w); err != nil && !errors.Is(err, errTryAgain) {
			t.Fatalf("Flush: %v", err)
		}
	}

	var got []string
	for {
		data, err := ReadFrame(&w.buf, 64)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		got = append(got, string(data))
	}
	if diff := cmp.Diff(msgs, got); diff != "" {
		t.Errorf("flushed frames mismatch (-want +got):\n%s", diff)
	}
}

func TestParseNotice(t *testing.T) {
	type tcase struct {
		input   string
		want    Notice
		wantErr bool
	}

	tcases := map[string]tcase{
		"add": {
			input: "add mario",
			want:  Notice{Kind: NoticeAdd, ID: "mario"},
		},
		"bare accepted": {
			input: "accepted\n",
			want:  Notice{Kind: NoticeAccepted},
		},
		"empty": {
			input:   "",
			wantErr: true,
		},
		"too many fields": {
			input:   "add a b",
			wantErr: true,
		},
	}

	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			got, err := ParseNotice([]byte(tc.input))
			if tc.wantErr {
				if !errors.Is(err, ErrBadNotice) {
					t.Fatalf("want ErrBadNotice got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseNotice: %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("notice mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if s := (Notice{Kind: NoticeTimeout, ID: "luigi"}).String(); s != "timeout luigi" {
		t.Errorf("String() = %q", s)
	}
}

func TestParseCommand(t *testing.T) {
	got := ParseCommand([]byte("  login   mario  pw \n"))
	want := Command{Verb: VerbLogin, Args: []string{"mario", "pw"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseCommand mismatch (-want +got):\n%s", diff)
	}
	if c := ParseCommand([]byte("   ")); c.Verb != "" {
		t.Errorf("blank payload: want empty verb got %q", c.Verb)
	}
	if Arity(VerbChallenge) != 1 || Arity(VerbRanking) != 0 || Arity("bogus") != -1 {
		t.Errorf("Arity mismatch")
	}
}
