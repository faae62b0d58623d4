package stream

import (
	"strconv"
)

const (
	// Boundary はパートの境界文字列
	Boundary = "frame"

	// ContentType はストリーム応答の Content-Type
	ContentType = "multipart/x-mixed-replace; boundary=" + Boundary
)

var (
	partHeader = []byte("--" + Boundary + "\r\nContent-Type:image/jpeg\r\nContent-Length: ")
	crlf       = []byte("\r\n")
)

// AppendPart は1フレーム分のパートを dst に追記して返す
//
//	--frame\r\n
//	Content-Type:image/jpeg\r\n
//	Content-Length: <N>\r\n
//	\r\n
//	<N bytes>\r\n
func AppendPart(dst, jpeg []byte) []byte {
	dst = append(dst, partHeader...)
	dst = strconv.AppendInt(dst, int64(len(jpeg)), 10)
	dst = append(dst, crlf...)
	dst = append(dst, crlf...)
	dst = append(dst, jpeg...)
	return append(dst, crlf...)
}

// PartSize はパート全体のバイト長を返す
func PartSize(jpegLen int) int {
	return len(partHeader) + len(strconv.Itoa(jpegLen)) + 3*len(crlf) + jpegLen
}
