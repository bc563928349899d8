// Package translator converts OpenAI chat requests into the upstream
// two-stage protocol and upstream event streams back into OpenAI responses.
package translator

import (
	"context"
	"fmt"
	"mime"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qwenbridge/qwenbridge/internal/openai"
	"github.com/qwenbridge/qwenbridge/internal/qwen"
)

// Model suffixes recognized on incoming model names.
const (
	SuffixSearch    = "-search"
	SuffixThinking  = "-thinking"
	SuffixImage     = "-image"
	SuffixImageEdit = "-image_edit"
	SuffixVideo     = "-video"
)

// resetMarker signals the upstream not to reuse short-term memory when a
// fresh single-turn conversation starts.
const resetMarker = "（新对话，请忽略之前的上下文。）"

// imagePlaceholder is used when an image-generation request carries no text.
const imagePlaceholder = "生成一张图片"

// historyImageCap bounds how many images are carried into an edit request.
const historyImageCap = 3

// markdownImageRe matches inline Markdown images; group 1 is the url.
var markdownImageRe = regexp.MustCompile(`!\[[^\]]*\]\(([^)\s]+)\)`)

// ChatCreator creates an upstream chat session. *qwen.Client satisfies it.
type ChatCreator interface {
	CreateChat(ctx context.Context, creds qwen.Credentials, model string, chatType qwen.ChatType) (string, error)
}

// Request is the translator for OpenAI → upstream request envelopes.
type Request struct {
	creator          ChatCreator
	fallbackModel    string
	fallbackDisabled bool
	logger           *zap.Logger
	now              func() time.Time
}

// NewRequest creates a request translator. fallbackModel may be empty to
// disable vision fallback.
func NewRequest(creator ChatCreator, fallbackModel string, fallbackDisabled bool, logger *zap.Logger) *Request {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Request{
		creator:          creator,
		fallbackModel:    fallbackModel,
		fallbackDisabled: fallbackDisabled,
		logger:           logger,
		now:              time.Now,
	}
}

// Result is the outcome of one translation: the envelope to post, the chat
// it belongs to, and whether the vision fallback replaced the model.
type Result struct {
	Envelope     *qwen.CompletionRequest
	ChatID       string
	Model        string
	UsedFallback bool
}

// Translate converts req into an upstream envelope, creating the chat
// session it will be posted to. The chat id is scoped to the identity whose
// credentials are passed in, so a retry with another identity must translate
// again.
func (t *Request) Translate(ctx context.Context, creds qwen.Credentials, req *openai.ChatRequest) (*Result, error) {
	if len(req.Messages) == 0 {
		return nil, openai.NewError(openai.KindBadRequest, "messages must be a non-empty array", nil)
	}

	model, suffix := StripSuffix(req.Model)
	chatType := chatTypeForSuffix(suffix)
	thinking := suffix == SuffixThinking

	usedFallback := false
	if chatType == qwen.ChatTypeText && hasImages(req.Messages) && !t.fallbackDisabled && t.fallbackModel != "" && model != t.fallbackModel {
		t.logger.Debug("vision fallback engaged",
			zap.String("requested_model", model),
			zap.String("fallback_model", t.fallbackModel),
		)
		model = t.fallbackModel
		usedFallback = true
	}

	chatID, err := t.creator.CreateChat(ctx, creds, model, chatType)
	if err != nil {
		return nil, err
	}

	ts := t.now().Unix()
	// The upstream always streams; non-streaming clients are served by the
	// aggregator over the same event stream.
	env := &qwen.CompletionRequest{
		Stream:            true,
		IncrementalOutput: true,
		ChatID:            chatID,
		ChatMode:          "normal",
		Model:             model,
		Timestamp:         ts,
	}

	switch chatType {
	case qwen.ChatTypeImage, qwen.ChatTypeVideo:
		env.Size = AspectRatio(req.Size)
		env.Messages = []qwen.Message{t.imageMessage(req, model, chatType, ts)}
	case qwen.ChatTypeImageEdit:
		msg, downgraded := t.imageEditMessage(req, model, ts)
		if downgraded {
			env.Size = AspectRatio(req.Size)
		}
		env.Messages = []qwen.Message{msg}
	default:
		env.Messages = []qwen.Message{t.textMessage(req, model, thinking, ts)}
	}

	res := &Result{Envelope: env, ChatID: chatID, Model: model, UsedFallback: usedFallback}
	if err := validate(res); err != nil {
		return nil, err
	}
	return res, nil
}

// imageMessage builds the single user message of a t2i/t2v request.
func (t *Request) imageMessage(req *openai.ChatRequest, model string, chatType qwen.ChatType, ts int64) qwen.Message {
	text := strings.TrimSpace(extractText(lastUserContent(req.Messages)))
	if text == "" {
		text = imagePlaceholder
	}
	return t.newMessage(openai.RoleUser, text, nil, model, chatType, false, ts)
}

// imageEditMessage builds the user message of an image_edit request. With no
// usable image it silently downgrades to t2i.
func (t *Request) imageEditMessage(req *openai.ChatRequest, model string, ts int64) (qwen.Message, bool) {
	last := lastUserContent(req.Messages)
	text := strings.TrimSpace(extractText(last))
	if text == "" {
		text = imagePlaceholder
	}

	urls := collectEditImages(req.Messages)
	if len(urls) == 0 {
		t.logger.Debug("image edit without attachments, downgrading to t2i")
		return t.newMessage(openai.RoleUser, text, nil, model, qwen.ChatTypeImage, false, ts), true
	}
	file := t.makeFile(urls[len(urls)-1])
	return t.newMessage(openai.RoleUser, text, []qwen.File{file}, model, qwen.ChatTypeImageEdit, false, ts), false
}

// textMessage folds the conversation history into one synthesized user
// message: the upstream rejects multi-turn assistant messages in a freshly
// created chat.
func (t *Request) textMessage(req *openai.ChatRequest, model string, thinking bool, ts int64) qwen.Message {
	system := ""
	var history []string
	lastUser := -1
	for i, m := range req.Messages {
		if m.Role == openai.RoleUser {
			lastUser = i
		}
	}
	for i, m := range req.Messages {
		switch m.Role {
		case openai.RoleSystem:
			system = strings.TrimSpace(extractText(m.Content))
		case openai.RoleUser:
			if i != lastUser {
				history = append(history, "用户: "+extractText(m.Content))
			}
		case openai.RoleAssistant:
			history = append(history, "助手: "+extractText(m.Content))
		}
	}

	question := ""
	var files []qwen.File
	if lastUser >= 0 {
		content := req.Messages[lastUser].Content
		question = extractText(content)
		for _, u := range collectImageURLs(content) {
			files = append(files, t.makeFile(u))
		}
	}

	var sb strings.Builder
	if len(history) > 0 {
		if system != "" {
			sb.WriteString(system)
			sb.WriteString("\n\n")
		}
		sb.WriteString("对话历史：\n")
		sb.WriteString(strings.Join(history, "\n"))
		sb.WriteString("\n\n当前问题：")
		sb.WriteString(question)
	} else {
		sb.WriteString(resetMarker)
		sb.WriteString("\n")
		if system != "" {
			sb.WriteString(system)
			sb.WriteString("\n\n")
		}
		sb.WriteString(question)
	}

	return t.newMessage(openai.RoleUser, sb.String(), files, model, qwen.ChatTypeText, thinking, ts)
}

// newMessage assembles one envelope message with the shared invariants:
// fresh fid, nil parent, shared timestamp, redundant sub-chat-type, and the
// phase output schema.
func (t *Request) newMessage(role, content string, files []qwen.File, model string, chatType qwen.ChatType, thinking bool, ts int64) qwen.Message {
	if files == nil {
		files = []qwen.File{}
	}
	msg := qwen.Message{
		FID:         uuid.New().String(),
		ParentID:    nil,
		ChildrenIDs: []string{},
		Role:        role,
		Content:     content,
		Files:       files,
		Timestamp:   ts,
		Models:      []string{model},
		ChatType:    chatType,
		SubChatType: chatType,
		FeatureConfig: qwen.FeatureConfig{
			ThinkingEnabled: thinking,
			OutputSchema:    "phase",
		},
	}
	msg.Extra.Meta.SubChatType = chatType
	if role == openai.RoleUser {
		msg.UserAction = "chat"
	}
	return msg
}

// makeFile synthesizes the pass-through descriptor for an image carried by
// URL. Nothing is uploaded: size stays 0 and no hash is computed.
func (t *Request) makeFile(url string) qwen.File {
	contentType := guessContentType(url)
	ext := "png"
	if _, sub, ok := strings.Cut(contentType, "/"); ok && sub != "" {
		ext = sub
	}
	return qwen.File{
		Type:         "image",
		FileType:     contentType,
		Name:         fmt.Sprintf("image-%d.%s", t.now().Unix(), ext),
		URL:          url,
		Size:         0,
		Status:       "uploaded",
		ID:           uuid.New().String(),
		ItemID:       uuid.New().String(),
		UploadTaskID: uuid.New().String(),
		FileClass:    "vision",
		ShowType:     "image",
		GreenNet:     "success",
	}
}

// validate enforces the envelope invariants before dispatch.
func validate(res *Result) error {
	if res.ChatID == "" {
		return openai.NewError(openai.KindTranslationError, "translated request carries no chat id", nil)
	}
	for _, m := range res.Envelope.Messages {
		if m.FID == "" || m.Role == "" {
			return openai.NewError(openai.KindTranslationError, "translated message missing fid or role", nil)
		}
		if m.Role == openai.RoleUser {
			if m.UserAction == "" || m.Timestamp == 0 || len(m.Models) == 0 {
				return openai.NewError(openai.KindTranslationError, "translated user message missing user_action, timestamp, or models", nil)
			}
		}
	}
	return nil
}

// StripSuffix removes a recognized feature suffix from the model name,
// returning the upstream model and the suffix (empty when none matched).
func StripSuffix(model string) (string, string) {
	for _, suffix := range []string{SuffixImageEdit, SuffixImage, SuffixSearch, SuffixThinking, SuffixVideo} {
		if strings.HasSuffix(model, suffix) {
			return strings.TrimSuffix(model, suffix), suffix
		}
	}
	return model, ""
}

func chatTypeForSuffix(suffix string) qwen.ChatType {
	switch suffix {
	case SuffixImage:
		return qwen.ChatTypeImage
	case SuffixImageEdit:
		return qwen.ChatTypeImageEdit
	case SuffixVideo:
		return qwen.ChatTypeVideo
	}
	return qwen.ChatTypeText
}

// aspectRatioTable maps common OpenAI pixel sizes to upstream aspect ratios.
var aspectRatioTable = map[string]string{
	"256x256":   "1:1",
	"512x512":   "1:1",
	"1024x1024": "1:1",
	"2048x2048": "1:1",
	"1792x1024": "16:9",
	"1024x1792": "9:16",
	"1152x768":  "3:2",
	"768x1152":  "2:3",
}

// AspectRatio maps a WxH size string to the upstream aspect-ratio form.
// Table entries override the GCD reduction; unparsable input yields 1:1.
func AspectRatio(size string) string {
	size = strings.TrimSpace(strings.ToLower(size))
	if size == "" {
		return "1:1"
	}
	if ratio, ok := aspectRatioTable[size]; ok {
		return ratio
	}
	wStr, hStr, found := strings.Cut(size, "x")
	if !found {
		return "1:1"
	}
	w, err1 := strconv.Atoi(wStr)
	h, err2 := strconv.Atoi(hStr)
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return "1:1"
	}
	g := gcd(w, h)
	return fmt.Sprintf("%d:%d", w/g, h/g)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// lastUserContent returns the content of the last user message, or an empty
// content value when none exists.
func lastUserContent(messages []openai.Message) openai.Content {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == openai.RoleUser {
			return messages[i].Content
		}
	}
	return openai.Content{}
}

// extractText flattens content to plain text; part texts are joined with spaces.
func extractText(c openai.Content) string {
	if !c.IsParts {
		return c.Text
	}
	var texts []string
	for _, p := range c.Parts {
		if p.Type == openai.PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, " ")
}

// collectImageURLs returns the image references of a content value, in order.
func collectImageURLs(c openai.Content) []string {
	if !c.IsParts {
		return nil
	}
	var urls []string
	for _, p := range c.Parts {
		switch p.Type {
		case openai.PartImageURL:
			if p.ImageURL != nil && p.ImageURL.URL != "" {
				urls = append(urls, p.ImageURL.URL)
			}
		case openai.PartImage:
			if p.Image != "" {
				urls = append(urls, p.Image)
			}
		}
	}
	return urls
}

// collectEditImages gathers candidate images for an edit request: the
// current (last user) message first, then history from newest to oldest —
// assistant plain text via the Markdown image pattern, user content via both
// parts and Markdown. The final list keeps the last historyImageCap entries.
func collectEditImages(messages []openai.Message) []string {
	lastUser := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == openai.RoleUser {
			lastUser = i
			break
		}
	}

	var urls []string
	if lastUser >= 0 {
		urls = append(urls, collectImageURLs(messages[lastUser].Content)...)
		urls = append(urls, markdownImages(extractText(messages[lastUser].Content))...)
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if i == lastUser {
			continue
		}
		m := messages[i]
		switch m.Role {
		case openai.RoleAssistant:
			urls = append(urls, markdownImages(extractText(m.Content))...)
		case openai.RoleUser:
			urls = append(urls, collectImageURLs(m.Content)...)
			urls = append(urls, markdownImages(extractText(m.Content))...)
		}
	}
	if len(urls) > historyImageCap {
		urls = urls[len(urls)-historyImageCap:]
	}
	return urls
}

// markdownImages extracts image urls from Markdown ![alt](url) patterns.
func markdownImages(text string) []string {
	var urls []string
	for _, m := range markdownImageRe.FindAllStringSubmatch(text, -1) {
		urls = append(urls, m[1])
	}
	return urls
}

// hasImages reports whether any message carries image parts.
func hasImages(messages []openai.Message) bool {
	for _, m := range messages {
		if len(collectImageURLs(m.Content)) > 0 {
			return true
		}
	}
	return false
}

// guessContentType derives a MIME type from a data URL or a URL extension.
func guessContentType(url string) string {
	if strings.HasPrefix(url, "data:") {
		rest := strings.TrimPrefix(url, "data:")
		if mediaType, _, found := strings.Cut(rest, ";"); found && mediaType != "" {
			return mediaType
		}
		if mediaType, _, found := strings.Cut(rest, ","); found && mediaType != "" {
			return mediaType
		}
		return "image/png"
	}
	ext := path.Ext(stripQuery(url))
	if ext != "" {
		if mt := mime.TypeByExtension(ext); strings.HasPrefix(mt, "image/") {
			return mt
		}
		switch strings.ToLower(ext) {
		case ".jpg", ".jpeg":
			return "image/jpeg"
		case ".png":
			return "image/png"
		case ".gif":
			return "image/gif"
		case ".webp":
			return "image/webp"
		}
	}
	return "image/png"
}

func stripQuery(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		return url[:i]
	}
	return url
}
