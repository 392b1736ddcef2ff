// Package probe 提供了一个与媒体探测服务交互的客户端。
// 探测服务是一个旁路 HTTP 服务，从成品文件中提取图像尺寸、音视频编码等扩展元数据。
// 具体的解码实现不属于传输核心。
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"pair-send-go/internal/config"
)

// Metadata 是探测服务返回的扩展技术元数据。
type Metadata struct {
	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
	Codec    string  `json:"codec,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Bitrate  int64   `json:"bitrate,omitempty"`
}

// Client 是媒体探测服务的客户端。
type Client struct {
	serverURL string
}

// NewClient 创建一个新的探测客户端实例。
func NewClient(cfg config.ProbeConfig) *Client {
	return &Client{serverURL: cfg.ServerURL}
}

// Inspect 将文件内容提交给探测服务并返回解析出的元数据。
// contentType 是嗅探得到的 MIME 类型，探测服务据此选择解析器。
func (c *Client) Inspect(ctx context.Context, fileReader io.Reader, contentType string) (*Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.serverURL+"/probe", fileReader)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", contentType)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("调用探测服务失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("探测服务返回错误 [%d]: %s", resp.StatusCode, string(body))
	}

	var meta Metadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("解析探测响应失败: %w", err)
	}
	return &meta, nil
}
