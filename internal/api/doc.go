// Package api 通过 echo 暴露编排服务的 HTTP 接口：Agent 目录、工作流规划、执行、
// 执行查询与摘要，外加 /metrics 与可选的 /mcp 端点。
package api
