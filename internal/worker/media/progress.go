package media

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// progressScanner parses ffmpeg's `-progress` key=value stream.
type progressScanner struct {
	r        io.Reader
	callback func(time.Duration)
}

func newProgressScanner(r io.Reader, callback func(time.Duration)) *progressScanner {
	return &progressScanner{r: r, callback: callback}
}

// scan reads until EOF, reporting every out_time sample.
func (p *progressScanner) scan() error {
	scanner := bufio.NewScanner(p.r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}

		switch key {
		// out_time_ms is microseconds as well, despite the name.
		case "out_time_us", "out_time_ms":
			us, err := strconv.ParseInt(value, 10, 64)
			if err != nil || us < 0 {
				continue
			}
			p.callback(time.Duration(us) * time.Microsecond)
		}
	}
	return scanner.Err()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
