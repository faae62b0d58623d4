package stream

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strconv"
	"testing"
)

func TestAppendPart_WireFormat(t *testing.T) {
	jpeg := bytes.Repeat([]byte{0xAB}, 12345)

	part := AppendPart(nil, jpeg)

	header := "--frame\r\nContent-Type:image/jpeg\r\nContent-Length: 12345\r\n\r\n"
	if !bytes.HasPrefix(part, []byte(header)) {
		t.Fatalf("Unexpected part header: %q", part[:min(len(part), len(header))])
	}
	body := part[len(header):]
	if len(body) != 12345+2 {
		t.Fatalf("Expected body of 12347 bytes, got %d", len(body))
	}
	if !bytes.Equal(body[:12345], jpeg) {
		t.Error("JPEG payload mismatch")
	}
	if !bytes.HasSuffix(body, []byte("\r\n")) {
		t.Error("Expected part to end with CRLF")
	}
	if len(part) != PartSize(12345) {
		t.Errorf("PartSize mismatch: got %d, want %d", PartSize(12345), len(part))
	}
}

func TestAppendPart_ReusesBuffer(t *testing.T) {
	buf := make([]byte, 0, 256)

	first := AppendPart(buf, []byte{0xFF, 0xD8, 0xFF, 0xD9})
	second := AppendPart(first[:0], []byte{0xFF, 0xD8, 0x00, 0xFF, 0xD9})

	if &first[0] != &second[0] {
		t.Error("Expected the backing array to be reused")
	}
	if !bytes.Contains(second, []byte("Content-Length: 5\r\n")) {
		t.Errorf("Unexpected part: %q", second)
	}
}

func TestPartSize(t *testing.T) {
	testCases := []int{0, 1, 9, 10, 999, 1000, 123456}

	for _, n := range testCases {
		t.Run(strconv.Itoa(n), func(t *testing.T) {
			got := PartSize(n)
			want := len(AppendPart(nil, make([]byte, n)))
			if got != want {
				t.Errorf("PartSize(%d) = %d, want %d", n, got, want)
			}
		})
	}
}

// TestAppendPart_MultipartReader は標準のmultipartリーダーで連続したパートを読めることを確認する
func TestAppendPart_MultipartReader(t *testing.T) {
	_, params, err := mime.ParseMediaType(ContentType)
	if err != nil {
		t.Fatalf("ParseMediaType failed: %v", err)
	}
	if params["boundary"] != Boundary {
		t.Fatalf("Expected boundary %q, got %q", Boundary, params["boundary"])
	}

	var stream []byte
	for i := 0; i < 3; i++ {
		stream = AppendPart(stream, []byte(fmt.Sprintf("frame-%d", i)))
	}
	stream = append(stream, "--frame--\r\n"...)

	reader := multipart.NewReader(bytes.NewReader(stream), params["boundary"])
	for i := 0; i < 3; i++ {
		part, err := reader.NextPart()
		if err != nil {
			t.Fatalf("NextPart #%d failed: %v", i, err)
		}
		if ct := part.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("Expected image/jpeg, got %q", ct)
		}
		data, err := io.ReadAll(part)
		if err != nil {
			t.Fatalf("ReadAll failed: %v", err)
		}
		if want := fmt.Sprintf("frame-%d", i); string(data) != want {
			t.Errorf("Expected %q, got %q", want, data)
		}
	}
}
