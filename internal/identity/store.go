package identity

import (
	"crypto/ecdsa"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "Lifeline-Treasury/internal/errors"
	"Lifeline-Treasury/pkg/logger"
)

// CodeUnavailable 表示签名身份无法加载或创建，所有签名操作必须停止。
const CodeUnavailable xerrors.Code = "IDENTITY_UNAVAILABLE"

func init() {
	xerrors.Register(CodeUnavailable, xerrors.Attributes{
		Message:   "signing identity unavailable",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

const (
	keyLength     = 32
	fileMode      = 0o600
	dirMode       = 0o700
	publicSuffix  = ".pub"
	defaultSubdir = ".lifeline"
	defaultFile   = "identity.json"
)

// Identity 持有签名私钥。私钥只在进程内使用，不会出现在日志或错误信息中。
type Identity struct {
	address common.Address
	key     *ecdsa.PrivateKey
}

// Address 返回公开地址。
func (i *Identity) Address() common.Address {
	if i == nil {
		return common.Address{}
	}
	return i.address
}

// CanSign 判断是否持有可用的私钥。
func (i *Identity) CanSign() bool {
	return i != nil && i.key != nil
}

// SignTx 使用身份私钥签名交易。
func (i *Identity) SignTx(tx *types.Transaction, signer types.Signer) (*types.Transaction, error) {
	if !i.CanSign() {
		return nil, xerrors.New(CodeUnavailable, "身份缺少私钥，无法签名")
	}
	return types.SignTx(tx, signer, i.key)
}

// String 只输出地址。
func (i *Identity) String() string {
	return i.Address().Hex()
}

// LogValue 保证 slog 只记录地址。
func (i *Identity) LogValue() slog.Value {
	return slog.StringValue(i.Address().Hex())
}

// Store 负责在固定路径上持久化唯一的签名身份。
type Store struct {
	path     string
	fallback common.Address
	mu       sync.Mutex
	loaded   *Identity
}

// Option 定义 Store 的可选配置。
type Option func(*Store)

// WithFallbackAddress 配置在身份不可用时用于只读余额检查的地址。
func WithFallbackAddress(address string) Option {
	return func(s *Store) {
		if common.IsHexAddress(address) {
			s.fallback = common.HexToAddress(address)
		}
	}
}

// DefaultPath 返回用户目录下的默认身份文件路径。
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("无法定位用户目录: %w", err)
	}
	return filepath.Join(home, defaultSubdir, defaultFile), nil
}

// NewStore 创建身份存储。
func NewStore(path string, opts ...Option) *Store {
	s := &Store{path: path}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Path 返回身份文件路径。
func (s *Store) Path() string {
	return s.path
}

// Load 读取已有身份；若不存在则生成新的密钥并以仅属主可读写的权限持久化。
// 成功加载一次后，后续调用直接返回同一身份，不再访问磁盘。
func (s *Store) Load() (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded != nil {
		return s.loaded, nil
	}
	id, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	s.loaded = id
	return id, nil
}

func (s *Store) loadLocked() (*Identity, error) {
	if strings.TrimSpace(s.path) == "" {
		return nil, xerrors.New(CodeUnavailable, "未配置身份文件路径")
	}

	id, err := s.read()
	if err == nil {
		s.rememberAddress(id.address)
		return id, nil
	}
	if !stdErrors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	id, err = s.create()
	if err != nil {
		return nil, err
	}
	s.rememberAddress(id.address)
	return id, nil
}

// CachedAddress 返回可用于只读检查的公开地址：优先使用上次成功加载时缓存的地址，
// 其次使用配置的回退地址。
func (s *Store) CachedAddress() (common.Address, bool) {
	if content, err := os.ReadFile(s.path + publicSuffix); err == nil {
		if raw := strings.TrimSpace(string(content)); common.IsHexAddress(raw) {
			return common.HexToAddress(raw), true
		}
	}
	if s.fallback != (common.Address{}) {
		return s.fallback, true
	}
	return common.Address{}, false
}

func (s *Store) read() (*Identity, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		if stdErrors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, xerrors.Wrap(CodeUnavailable, err, fmt.Sprintf("无法访问身份文件 %s", s.path))
	}
	if info.IsDir() {
		return nil, xerrors.New(CodeUnavailable, fmt.Sprintf("身份路径 %s 是目录", s.path))
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, xerrors.New(CodeUnavailable,
			fmt.Sprintf("身份文件 %s 权限过宽 (%o)，要求仅属主可读写", s.path, info.Mode().Perm()))
	}

	content, err := os.ReadFile(s.path)
	if err != nil {
		return nil, xerrors.Wrap(CodeUnavailable, err, fmt.Sprintf("读取身份文件 %s 失败", s.path))
	}
	return decode(content, s.path)
}

func (s *Store) create() (*Identity, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), dirMode); err != nil {
		return nil, xerrors.Wrap(CodeUnavailable, err, fmt.Sprintf("创建身份目录失败: %s", filepath.Dir(s.path)))
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, xerrors.Wrap(CodeUnavailable, err, "生成密钥失败")
	}
	payload, err := encode(key)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode)
	if err != nil {
		if stdErrors.Is(err, fs.ErrExist) {
			// 另一个进程抢先创建了身份，以磁盘上的为准。
			return s.read()
		}
		return nil, xerrors.Wrap(CodeUnavailable, err, fmt.Sprintf("创建身份文件 %s 失败", s.path))
	}
	if _, err := file.Write(payload); err != nil {
		file.Close()
		_ = os.Remove(s.path)
		return nil, xerrors.Wrap(CodeUnavailable, err, fmt.Sprintf("写入身份文件 %s 失败", s.path))
	}
	if err := file.Sync(); err != nil {
		file.Close()
		_ = os.Remove(s.path)
		return nil, xerrors.Wrap(CodeUnavailable, err, fmt.Sprintf("同步身份文件 %s 失败", s.path))
	}
	if err := file.Close(); err != nil {
		return nil, xerrors.Wrap(CodeUnavailable, err, fmt.Sprintf("关闭身份文件 %s 失败", s.path))
	}

	return &Identity{address: crypto.PubkeyToAddress(key.PublicKey), key: key}, nil
}

// rememberAddress 缓存公开地址供只读检查使用，内容未变化时不重写文件。
func (s *Store) rememberAddress(address common.Address) {
	pubPath := s.path + publicSuffix
	content := address.Hex() + "\n"
	if existing, err := os.ReadFile(pubPath); err == nil && string(existing) == content {
		return
	}
	if err := os.WriteFile(pubPath, []byte(content), 0o644); err != nil {
		logger.Named("identity").Warn("缓存公开地址失败",
			slog.String("path", pubPath),
			slog.String("address", address.Hex()),
			slog.Any("error", err))
	}
}

// encode 将私钥序列化为按顺序排列的原始字节数组。
func encode(key *ecdsa.PrivateKey) ([]byte, error) {
	raw := crypto.FromECDSA(key)
	values := make([]int, len(raw))
	for i, b := range raw {
		values[i] = int(b)
	}
	payload, err := json.Marshal(values)
	if err != nil {
		return nil, xerrors.Wrap(CodeUnavailable, err, "序列化身份失败")
	}
	return payload, nil
}

func decode(content []byte, path string) (*Identity, error) {
	var values []int
	if err := json.Unmarshal(content, &values); err != nil {
		return nil, xerrors.New(CodeUnavailable, fmt.Sprintf("身份文件 %s 格式无效", path))
	}
	if len(values) != keyLength {
		return nil, xerrors.New(CodeUnavailable,
			fmt.Sprintf("身份文件 %s 长度异常: 期望 %d 字节, 实际 %d", path, keyLength, len(values)))
	}
	raw := make([]byte, keyLength)
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, xerrors.New(CodeUnavailable, fmt.Sprintf("身份文件 %s 含有越界字节", path))
		}
		raw[i] = byte(v)
	}
	key, err := crypto.ToECDSA(raw)
	for i := range raw {
		raw[i] = 0
	}
	if err != nil {
		// 不包装底层错误，避免其中携带密钥细节。
		return nil, xerrors.New(CodeUnavailable, fmt.Sprintf("身份文件 %s 不是有效的 secp256k1 私钥", path))
	}
	return &Identity{address: crypto.PubkeyToAddress(key.PublicKey), key: key}, nil
}
