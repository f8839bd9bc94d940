package journal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 journal 項目的 CRC32 校驗和
// ============================================================================

import "hash/crc32"

// Checksum 以 CRC32-IEEE 計算 type|data
//
// 不包含 Seq 與 Timestamp：Rotate 後序號重新開始，內容不變時校驗和也不變。
func Checksum(eventType string, data []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(eventType))
	h.Write([]byte{'|'})
	h.Write(data)
	return h.Sum32()
}

// Verify 重新計算並比對項目的校驗和
func Verify(entry Entry) error {
	expected := Checksum(entry.Type, entry.Data)
	if entry.Checksum != expected {
		return &ChecksumError{Seq: entry.Seq, Expected: expected, Actual: entry.Checksum}
	}
	return nil
}
