// Package pipeline 实现了文件的异步安全分析管道。
// 分片收齐后文件停在 PROCESSING，由这里的消费者嗅探内容、执行策略，
// 放行的文件才会合并为成品，拦截的文件连同分片一并清除。
package pipeline

import (
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// 可执行与可注入内容一律拦截，不看声明类型只看嗅探结果。
var blockedMimes = map[string]struct{}{
	"application/vnd.microsoft.portable-executable":              {},
	"application/x-executable":                                   {},
	"application/x-elf":                                          {},
	"application/x-sharedlib":                                    {},
	"application/x-mach-binary":                                  {},
	"application/x-ms-installer":                                 {},
	"application/x-msdownload":                                   {},
	"text/x-shellscript":                                         {},
	"application/vnd.ms-word.document.macroEnabled.12":           {},
	"application/vnd.ms-excel.sheet.macroEnabled.12":             {},
	"application/vnd.ms-powerpoint.presentation.macroEnabled.12": {},
}

// 常见的同义 MIME 写法，比对前先归一化。
var mimeAliases = map[string]string{
	"image/jpg":                "image/jpeg",
	"application/x-javascript": "text/javascript",
	"audio/mp3":                "audio/mpeg",
}

// normalizeMime 去掉参数部分并折算同义写法。
func normalizeMime(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if idx := strings.Index(mime, ";"); idx >= 0 {
		mime = strings.TrimSpace(mime[:idx])
	}
	if canonical, ok := mimeAliases[mime]; ok {
		return canonical
	}
	return mime
}

// genericMime 报告声明类型是否为不携带信息的通配类型。
// 客户端在无法判断类型时会声明这些值，不构成伪装。
func genericMime(mime string) bool {
	switch mime {
	case "", "application/octet-stream", "binary/octet-stream":
		return true
	}
	return false
}

// Verdict 是策略评估的结论。
type Verdict struct {
	Allowed      bool
	DetectedMime string
	Reason       string
}

// Evaluate 对文件头部字节做内容嗅探并执行安全策略。
//
// 两条规则：嗅探出的类型在拦截清单上直接拒绝；声明类型与嗅探类型
// 明显不符（且声明不是通配类型）视为伪装拒绝。嗅探以内容为准，
// 文件名与扩展名不参与判定。
func Evaluate(prefix []byte, declaredMime string) Verdict {
	detected := normalizeMime(mimetype.Detect(prefix).String())

	if _, blocked := blockedMimes[detected]; blocked {
		return Verdict{
			Allowed:      false,
			DetectedMime: detected,
			Reason:       fmt.Sprintf("检测到不允许的内容类型 %s", detected),
		}
	}

	declared := normalizeMime(declaredMime)
	if !genericMime(declared) && !mimeCompatible(declared, detected) {
		return Verdict{
			Allowed:      false,
			DetectedMime: detected,
			Reason:       fmt.Sprintf("声明类型 %s 与实际内容 %s 不符", declared, detected),
		}
	}

	return Verdict{Allowed: true, DetectedMime: detected}
}

// mimeCompatible 报告声明类型与嗅探类型是否可视为一致。
// 文本族内部不细分（text/plain 可以声明任何 text/*），其余按归一化后的精确匹配，
// 另外接受嗅探结果是声明类型的祖先的情形（如 zip 容器类格式）。
func mimeCompatible(declared, detected string) bool {
	if declared == detected {
		return true
	}
	if strings.HasPrefix(declared, "text/") && strings.HasPrefix(detected, "text/") {
		return true
	}
	// office 文档等 zip 容器格式：嗅探到容器类型时接受更具体的声明
	if detected == "application/zip" && (strings.Contains(declared, "officedocument") ||
		strings.Contains(declared, "opendocument") || declared == "application/java-archive") {
		return true
	}
	if detected == "application/x-ole-storage" && strings.HasPrefix(declared, "application/vnd.ms-") {
		return true
	}
	return false
}
