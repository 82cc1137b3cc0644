package training

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"unicode/utf8"
)

const sniffLen = 4096

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// DetectDataFormat 根据内容猜测训练数据格式：
// npz（zip）、npy、parquet 和 tfrecord 靠文件头识别，文本数据区分 jsonl 与 csv，其余为 binary。
func DetectDataFormat(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte("PK\x03\x04")):
		return "npz"
	case bytes.HasPrefix(data, []byte("\x93NUMPY")):
		return "npy"
	case bytes.HasPrefix(data, []byte("PAR1")):
		return "parquet"
	case isTFRecord(data):
		return "tfrecord"
	}

	sample := data
	if len(sample) > sniffLen {
		sample = sample[:sniffLen]
		// 截断可能落在多字节字符中间
		for i := 0; i < utf8.UTFMax-1 && !utf8.Valid(sample); i++ {
			sample = sample[:len(sample)-1]
		}
	}
	if !utf8.Valid(sample) || bytes.IndexByte(sample, 0) >= 0 {
		return "binary"
	}
	first := bytes.TrimSpace(sample)
	if i := bytes.IndexByte(first, '\n'); i >= 0 {
		first = bytes.TrimSpace(first[:i])
	}
	switch {
	case bytes.HasPrefix(first, []byte("{")):
		return "jsonl"
	case bytes.ContainsAny(first, ",\t;"):
		return "csv"
	}
	return "binary"
}

// isTFRecord 检查第一条记录的头部：8 字节小端长度，后跟该长度的 masked CRC32C。
func isTFRecord(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	length := binary.LittleEndian.Uint64(data[:8])
	if length > uint64(len(data)) {
		return false
	}
	return binary.LittleEndian.Uint32(data[8:12]) == maskedCRC(data[:8])
}

func maskedCRC(p []byte) uint32 {
	crc := crc32.Checksum(p, castagnoli)
	return (crc>>15 | crc<<17) + 0xa282ead8
}
