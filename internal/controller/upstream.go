package controller

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/site-shelter/site-shelter/internal/server"
)

// fetchOrigin 代表当前请求回源，透传过滤后的客户端请求头。
func (ctrl *Controller) fetchOrigin(c fiber.Ctx, req *fetchRequest) (*http.Response, error) {
	upstreamURL := ctrl.resolveUpstreamURL(req.cleanPath, req.rawQuery)
	httpReq, err := ctrl.buildOriginRequest(req.ctx, c, http.MethodGet, upstreamURL, http.NoBody)
	if err != nil {
		return nil, err
	}
	return ctrl.doRequest(httpReq)
}

// fetchDetached 构造不依赖客户端上下文的回源请求，安装与后台刷新用它。
func (ctrl *Controller) fetchDetached(ctx context.Context, cleanPath string, rawQuery []byte, etag string) (*http.Response, error) {
	upstreamURL := ctrl.resolveUpstreamURL(cleanPath, rawQuery)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstreamURL.String(), http.NoBody)
	if err != nil {
		return nil, err
	}

	if auth := buildCredentialHeader(ctrl.route.Config.Username, ctrl.route.Config.Password); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	return ctrl.doRequest(req)
}

func (ctrl *Controller) buildOriginRequest(
	ctx context.Context,
	c fiber.Ctx,
	method string,
	upstream *url.URL,
	body io.Reader,
) (*http.Request, error) {
	if body == nil {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, method, upstream.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = upstream.Host
	req.Header.Set("Host", upstream.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	req.Header.Set("X-Forwarded-Port", ctrl.listenPort())

	if auth := buildCredentialHeader(ctrl.route.Config.Username, ctrl.route.Config.Password); auth != "" {
		req.Header.Set("Authorization", auth)
	}

	return req, nil
}

func (ctrl *Controller) doRequest(req *http.Request) (*http.Response, error) {
	if ctrl.route.ProxyURL == nil {
		return ctrl.client.Do(req)
	}
	transport := http.Transport{}
	if base, ok := ctrl.client.Transport.(*http.Transport); ok && base != nil {
		transport = *base.Clone()
	}
	transport.Proxy = http.ProxyURL(ctrl.route.ProxyURL)
	client := *ctrl.client
	client.Transport = &transport
	return client.Do(req)
}

func (ctrl *Controller) resolveUpstreamURL(cleanPath string, rawQuery []byte) *url.URL {
	relative := &url.URL{Path: cleanPath, RawPath: cleanPath}
	if len(rawQuery) > 0 {
		relative.RawQuery = string(rawQuery)
	}
	return ctrl.route.UpstreamURL.ResolveReference(relative)
}

func (ctrl *Controller) listenPort() string {
	if ctrl.route == nil || ctrl.route.ListenPort <= 0 {
		return "0"
	}
	return strconv.Itoa(ctrl.route.ListenPort)
}

func buildCredentialHeader(username, password string) string {
	if username == "" || password == "" {
		return ""
	}
	token := username + ":" + password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(token))
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func upstreamURLString(resp *http.Response) string {
	if resp == nil || resp.Request == nil || resp.Request.URL == nil {
		return ""
	}
	return resp.Request.URL.String()
}
