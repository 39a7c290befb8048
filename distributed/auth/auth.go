package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/BaSui01/agentteam/types"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	// HeaderNodeID 调用方节点 ID
	HeaderNodeID = "X-Team-Node-Id"
	// HeaderSignature 请求签名（HS256 JWT）
	HeaderSignature = "X-Team-Signature"

	defaultMaxClockSkew = 5 * time.Minute
)

// SecurityMode 内部调用安全模式
type SecurityMode string

const (
	// ModeStrictSigned 拒绝未签名或签名无效的请求
	ModeStrictSigned SecurityMode = "strict_signed"
	// ModeTrustedLAN 允许未签名请求，但携带的签名仍须有效
	ModeTrustedLAN SecurityMode = "trusted_lan"
)

// Valid reports whether m is a known mode.
func (m SecurityMode) Valid() bool {
	return m == ModeStrictSigned || m == ModeTrustedLAN
}

// Config 内部认证配置
type Config struct {
	// NodeID 本节点 ID，作为签名的 iss
	NodeID string
	Mode   SecurityMode
	// SharedSecret 用于派生每个节点的签名密钥
	SharedSecret string
	// NodeSecrets 显式指定的节点密钥，优先于派生密钥
	NodeSecrets map[string]string
	// AllowedCallerNodeIDs 为空表示允许所有已签名节点
	AllowedCallerNodeIDs []string
	MaxClockSkew         time.Duration
	Now                  func() time.Time
}

func (c Config) normalized() Config {
	if c.Mode == "" {
		c.Mode = ModeStrictSigned
	}
	if c.MaxClockSkew <= 0 {
		c.MaxClockSkew = defaultMaxClockSkew
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// keyFor 返回节点的签名密钥
func (c Config) keyFor(nodeID string) ([]byte, error) {
	if s, ok := c.NodeSecrets[nodeID]; ok && s != "" {
		return []byte(s), nil
	}
	if c.SharedSecret == "" {
		return nil, fmt.Errorf("no signing key configured for node %q", nodeID)
	}
	mac := hmac.New(sha256.New, []byte(c.SharedSecret))
	mac.Write([]byte(nodeID))
	return mac.Sum(nil), nil
}

// signatureClaims 签名声明：绑定方法、路径与请求体摘要
type signatureClaims struct {
	BodySHA256 string `json:"bsh"`
	Method     string `json:"mth"`
	Path       string `json:"pth"`
	jwt.RegisteredClaims
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// Signer
// =============================================================================

// Signer 为出站内部请求签名
type Signer struct {
	cfg    Config
	logger *zap.Logger
}

// NewSigner 创建签名器
func NewSigner(cfg Config, logger *zap.Logger) *Signer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Signer{
		cfg:    cfg.normalized(),
		logger: logger.With(zap.String("component", "internal_auth_signer")),
	}
}

// Sign 设置节点与签名请求头。body 必须与实际发送的请求体一致。
func (s *Signer) Sign(req *http.Request, body []byte) error {
	req.Header.Set(HeaderNodeID, s.cfg.NodeID)

	key, err := s.cfg.keyFor(s.cfg.NodeID)
	if err != nil {
		if s.cfg.Mode == ModeTrustedLAN {
			s.logger.Debug("sending unsigned internal request", zap.String("path", req.URL.Path))
			return nil
		}
		return err
	}

	claims := signatureClaims{
		BodySHA256: bodyDigest(body),
		Method:     req.Method,
		Path:       req.URL.Path,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   s.cfg.NodeID,
			IssuedAt: jwt.NewNumericDate(s.cfg.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return fmt.Errorf("sign internal request: %w", err)
	}
	req.Header.Set(HeaderSignature, token)
	return nil
}

// =============================================================================
// Verifier
// =============================================================================

// Verifier 校验入站内部请求
type Verifier struct {
	cfg     Config
	allowed map[string]struct{}
	logger  *zap.Logger
}

// NewVerifier 创建校验器
func NewVerifier(cfg Config, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.normalized()
	allowed := make(map[string]struct{}, len(cfg.AllowedCallerNodeIDs))
	for _, id := range cfg.AllowedCallerNodeIDs {
		allowed[id] = struct{}{}
	}
	return &Verifier{
		cfg:     cfg,
		allowed: allowed,
		logger:  logger.With(zap.String("component", "internal_auth_verifier")),
	}
}

// Mode returns the effective security mode.
func (v *Verifier) Mode() SecurityMode { return v.cfg.Mode }

func authError(code types.ErrorCode, status int, msg string) *types.Error {
	return types.NewError(code, msg).WithHTTPStatus(status)
}

// Verify 校验签名、时间戳新鲜度与调用方白名单，返回调用方节点 ID。
func (v *Verifier) Verify(r *http.Request, body []byte) (string, error) {
	callerNodeID := r.Header.Get(HeaderNodeID)
	raw := r.Header.Get(HeaderSignature)

	if raw == "" {
		if v.cfg.Mode == ModeTrustedLAN {
			return callerNodeID, v.checkAllowed(callerNodeID)
		}
		return "", authError(types.ErrInternalSignatureMissing, http.StatusUnauthorized, "internal signature missing")
	}
	if callerNodeID == "" {
		return "", authError(types.ErrInternalSignatureInvalid, http.StatusUnauthorized, "caller node id missing")
	}

	key, err := v.cfg.keyFor(callerNodeID)
	if err != nil {
		return "", authError(types.ErrInternalSignatureInvalid, http.StatusUnauthorized, "no key for caller node").WithCause(err)
	}

	claims := &signatureClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(v.cfg.Now))
	if err != nil {
		v.logger.Debug("internal signature rejected", zap.String("caller_node_id", callerNodeID), zap.Error(err))
		return "", authError(types.ErrInternalSignatureInvalid, http.StatusUnauthorized, "internal signature invalid").WithCause(err)
	}

	if claims.Issuer != callerNodeID ||
		claims.Method != r.Method ||
		claims.Path != r.URL.Path ||
		!hmac.Equal([]byte(claims.BodySHA256), []byte(bodyDigest(body))) {
		return "", authError(types.ErrInternalSignatureInvalid, http.StatusUnauthorized, "internal signature does not match request")
	}

	if claims.IssuedAt == nil {
		return "", authError(types.ErrInternalSignatureInvalid, http.StatusUnauthorized, "internal signature has no timestamp")
	}
	skew := v.cfg.Now().Sub(claims.IssuedAt.Time)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.cfg.MaxClockSkew {
		return "", authError(types.ErrInternalSignatureExpired, http.StatusUnauthorized, "internal signature expired")
	}

	return callerNodeID, v.checkAllowed(callerNodeID)
}

func (v *Verifier) checkAllowed(callerNodeID string) error {
	if len(v.allowed) == 0 {
		return nil
	}
	if _, ok := v.allowed[callerNodeID]; ok {
		return nil
	}
	return authError(types.ErrInternalCallerNotAllowed, http.StatusForbidden,
		fmt.Sprintf("caller node %q is not allowed", callerNodeID))
}

// StatusOf 返回认证错误对应的 HTTP 状态码
func StatusOf(err error) int {
	var te *types.Error
	if errors.As(err, &te) && te.HTTPStatus != 0 {
		return te.HTTPStatus
	}
	return http.StatusUnauthorized
}
