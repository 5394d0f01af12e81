// Package cache 内容寻址的任务结果缓存（对外导出）
package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"math"
	"math/big"
	"os"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/LENAX/pipeline-engine/pkg/core/task"
)

// Input 参与内容标识计算的一个已解析输入
type Input struct {
	Name  string
	Value interface{}
}

// OrderedInputs 按任务声明顺序整理已解析的输入
func OrderedInputs(t *task.Task, values task.Values) []Input {
	out := make([]Input, 0, len(t.Inputs))
	for _, in := range t.Inputs {
		out = append(out, Input{Name: in.Name, Value: values[in.Name]})
	}
	return out
}

// Hasher 计算内容标识（对外导出）
// 文件类输入按内容哈希；文件摘要按 路径+大小+修改时间 记忆，避免重复读取
type Hasher struct {
	mu   sync.Mutex
	memo map[fileKey]string
}

type fileKey struct {
	path    string
	size    int64
	modTime time.Time
}

// NewHasher 创建Hasher实例
func NewHasher() *Hasher {
	return &Hasher{memo: make(map[fileKey]string)}
}

var defaultHasher = NewHasher()

// ComputeIdentity 使用默认Hasher计算内容标识（对外导出）
func ComputeIdentity(taskName string, inputs []Input) (string, error) {
	return defaultHasher.ComputeIdentity(taskName, inputs)
}

// ComputeIdentity 对任务名与按序的输入值计算确定性的内容标识
// 所有字段都带长度前缀，防止拼接歧义
func (h *Hasher) ComputeIdentity(taskName string, inputs []Input) (string, error) {
	sum := sha256.New()
	writeString(sum, "pipeline-engine/v1")
	writeString(sum, taskName)
	writeUint(sum, uint64(len(inputs)))
	for _, in := range inputs {
		writeString(sum, in.Name)
		if err := h.writeValue(sum, in.Value); err != nil {
			return "", fmt.Errorf("输入 %s 无法计算内容标识: %w", in.Name, err)
		}
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

func (h *Hasher) writeValue(w hash.Hash, v interface{}) error {
	switch val := v.(type) {
	case nil:
		writeTag(w, 'n')
		return nil
	case task.File:
		digest, err := h.fileDigest(string(val))
		if err != nil {
			return err
		}
		writeTag(w, 'f')
		writeString(w, digest)
		return nil
	case string:
		if isRegularFile(val) {
			digest, err := h.fileDigest(val)
			if err != nil {
				return err
			}
			writeTag(w, 'f')
			writeString(w, digest)
			return nil
		}
		writeTag(w, 's')
		writeString(w, val)
		return nil
	case bool:
		writeTag(w, 'b')
		writeString(w, strconv.FormatBool(val))
		return nil
	case []byte:
		writeTag(w, 'y')
		writeBytes(w, val)
		return nil
	case json.Number:
		if i, ok := new(big.Int).SetString(val.String(), 10); ok {
			writeInteger(w, i.String())
			return nil
		}
		f, err := val.Float64()
		if err != nil {
			writeTag(w, 's')
			writeString(w, val.String())
			return nil
		}
		writeFloat(w, f)
		return nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		writeInteger(w, strconv.FormatInt(rv.Int(), 10))
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		writeInteger(w, strconv.FormatUint(rv.Uint(), 10))
		return nil
	case reflect.Float32, reflect.Float64:
		writeFloat(w, rv.Float())
		return nil
	case reflect.String:
		return h.writeValue(w, rv.String())
	case reflect.Slice, reflect.Array:
		writeTag(w, 'l')
		writeUint(w, uint64(rv.Len()))
		for i := 0; i < rv.Len(); i++ {
			if err := h.writeValue(w, rv.Index(i).Interface()); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		writeTag(w, 'm')
		writeUint(w, uint64(len(keys)))
		for _, k := range keys {
			writeString(w, k)
			if err := h.writeValue(w, rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key())).Interface()); err != nil {
				return err
			}
		}
		return nil
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			writeTag(w, 'n')
			return nil
		}
		return h.writeValue(w, rv.Elem().Interface())
	}

	// 其余类型先规范化为JSON结构再编码，使结构体与其JSON往返结果得到相同标识
	normalized, err := normalizeJSON(v)
	if err != nil {
		return err
	}
	return h.writeValue(w, normalized)
}

// fileDigest 返回文件内容的sha256，结果按文件元数据记忆
func (h *Hasher) fileDigest(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("读取文件信息失败: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s 不是普通文件", path)
	}
	key := fileKey{path: path, size: info.Size(), modTime: info.ModTime()}

	h.mu.Lock()
	digest, ok := h.memo[key]
	h.mu.Unlock()
	if ok {
		return digest, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("打开文件失败: %w", err)
	}
	defer f.Close()

	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return "", fmt.Errorf("读取文件失败: %w", err)
	}
	digest = hex.EncodeToString(sum.Sum(nil))

	h.mu.Lock()
	h.memo[key] = digest
	h.mu.Unlock()
	return digest, nil
}

// isRegularFile 字符串是否指向一个已存在的普通文件
func isRegularFile(s string) bool {
	if s == "" || len(s) > 4096 {
		return false
	}
	info, err := os.Stat(s)
	return err == nil && info.Mode().IsRegular()
}

// writeInteger 整数按十进制文本编码，不经过 float64，任意大小都精确
func writeInteger(w hash.Hash, decimal string) {
	writeTag(w, 'i')
	writeString(w, decimal)
}

// writeFloat 整数值的浮点数按其精确整数编码，与同值的整数得到相同标识
func writeFloat(w hash.Hash, f float64) {
	if f == 0 {
		writeInteger(w, "0")
		return
	}
	if f == math.Trunc(f) && !math.IsInf(f, 0) {
		writeInteger(w, new(big.Float).SetFloat64(f).Text('f', 0))
		return
	}
	writeTag(w, 'd')
	writeString(w, strconv.FormatFloat(f, 'g', -1, 64))
}

func writeTag(w hash.Hash, tag byte) {
	w.Write([]byte{tag})
}

func writeUint(w hash.Hash, n uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	w.Write(buf[:])
}

func writeString(w hash.Hash, s string) {
	writeUint(w, uint64(len(s)))
	io.WriteString(w, s)
}

func writeBytes(w hash.Hash, b []byte) {
	writeUint(w, uint64(len(b)))
	w.Write(b)
}

// normalizeJSON 经JSON往返得到只含基础类型的结构
func normalizeJSON(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("无法序列化类型 %T: %w", v, err)
	}
	// 数值保留为 json.Number，整数不经过 float64
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
