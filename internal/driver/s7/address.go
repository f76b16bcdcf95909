package s7

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Area S7 存储区
type Area int

const (
	AreaDB Area = iota // 数据块
	AreaM              // 标志存储区 (Merker)
	AreaI              // 输入过程映像
	AreaQ              // 输出过程映像
)

// Address 解析后的 S7 地址
type Address struct {
	Area     Area
	DBNumber int // 仅 AreaDB
	Start    int // 字节偏移
	Bit      int // 仅位地址，-1 表示非位
	Size     int // 读取字节数（由地址宽度决定；STRING 由标签配置覆盖）
}

var (
	dbBitRe  = regexp.MustCompile(`^DB(\d+)\.DBX(\d+)\.([0-7])$`)
	dbByteRe = regexp.MustCompile(`^DB(\d+)\.DB([BWD])(\d+)$`)
	memBitRe = regexp.MustCompile(`^([MIQ])(\d+)\.([0-7])$`)
	memRe    = regexp.MustCompile(`^([MIQ])([BWD])(\d+)$`)
)

// widthSize 地址宽度对应的字节数
func widthSize(w string) int {
	switch w {
	case "B":
		return 1
	case "W":
		return 2
	default: // D
		return 4
	}
}

// areaOf 区域字母到 Area 的映射（兼容德文记法 E/A）
func areaOf(letter string) (Area, bool) {
	switch letter {
	case "M":
		return AreaM, true
	case "I", "E":
		return AreaI, true
	case "Q", "A":
		return AreaQ, true
	default:
		return 0, false
	}
}

// ParseAddress 解析 S7 标签地址
// 支持 DB2710.DBD8、DB5.DBX0.3、MW100、M0.0、IB2、QD4 等写法。
func ParseAddress(path string) (*Address, error) {
	path = strings.ToUpper(strings.TrimSpace(path))
	// 德文记法归一化（E->I, A->Q），仅针对首字母
	if len(path) > 0 {
		switch path[0] {
		case 'E':
			path = "I" + path[1:]
		case 'A':
			path = "Q" + path[1:]
		}
	}

	if m := dbBitRe.FindStringSubmatch(path); m != nil {
		db, _ := strconv.Atoi(m[1])
		start, _ := strconv.Atoi(m[2])
		bit, _ := strconv.Atoi(m[3])
		return &Address{Area: AreaDB, DBNumber: db, Start: start, Bit: bit, Size: 1}, nil
	}
	if m := dbByteRe.FindStringSubmatch(path); m != nil {
		db, _ := strconv.Atoi(m[1])
		start, _ := strconv.Atoi(m[3])
		return &Address{Area: AreaDB, DBNumber: db, Start: start, Bit: -1, Size: widthSize(m[2])}, nil
	}
	if m := memBitRe.FindStringSubmatch(path); m != nil {
		area, _ := areaOf(m[1])
		start, _ := strconv.Atoi(m[2])
		bit, _ := strconv.Atoi(m[3])
		return &Address{Area: area, Start: start, Bit: bit, Size: 1}, nil
	}
	if m := memRe.FindStringSubmatch(path); m != nil {
		area, _ := areaOf(m[1])
		start, _ := strconv.Atoi(m[3])
		return &Address{Area: area, Start: start, Bit: -1, Size: widthSize(m[2])}, nil
	}

	return nil, fmt.Errorf("unsupported S7 address: %s", path)
}
