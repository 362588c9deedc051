package service

import (
	"context"
	"fmt"

	"github.com/imroc/req/v3"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// WatermarkResolver 把已发布的帖子解析成无水印直链。
type WatermarkResolver interface {
	Resolve(ctx context.Context, post *PublishResult) (string, error)
}

// thirdPartyResolver 默认解析器:第三方 CDN 按 post id 映射出直链,
// 无需请求,后续的可达性探测负责确认资源真正就绪。
type thirdPartyResolver struct {
	baseURL string
}

func NewThirdPartyResolver(baseURL string) WatermarkResolver {
	if baseURL == "" {
		baseURL = "https://oscdn2.dyysy.com/MP4"
	}
	return &thirdPartyResolver{baseURL: baseURL}
}

func (r *thirdPartyResolver) Resolve(_ context.Context, post *PublishResult) (string, error) {
	if post.PostID == "" {
		return "", fmt.Errorf("帖子缺少 post id")
	}
	return fmt.Sprintf("%s/%s.mp4", r.baseURL, post.PostID), nil
}

// customResolver 自建解析服务:POST 分享链接换直链。
type customResolver struct {
	client *req.Client
	url    string
	token  string
}

func NewCustomResolver(url, token string) WatermarkResolver {
	client := req.C().
		SetTimeout(defaultHTTPTimeout).
		ImpersonateChrome()
	return &customResolver{client: client, url: url, token: token}
}

func (r *customResolver) Resolve(ctx context.Context, post *PublishResult) (string, error) {
	if post.ShareURL == "" {
		return "", fmt.Errorf("帖子缺少分享链接")
	}
	body, _ := sjson.Set("{}", "url", post.ShareURL)

	request := r.client.R().SetContext(ctx).SetBodyJsonString(body)
	if r.token != "" {
		request.SetBearerAuthToken(r.token)
	}
	resp, err := request.Post(r.url)
	if err != nil {
		return "", fmt.Errorf("请求解析服务: %w", err)
	}
	if !resp.IsSuccessState() {
		return "", &UpstreamStatusError{StatusCode: resp.StatusCode, Body: resp.String()}
	}

	direct := gjson.Get(resp.String(), "data.url")
	if !direct.Exists() || direct.String() == "" {
		return "", fmt.Errorf("解析服务未返回直链: %s", resp.String())
	}
	return direct.String(), nil
}
