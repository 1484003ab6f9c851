package main

// General API documentation for swaggo. Run `swag init -g cmd/gatewayd/main.go` to regenerate docs.
//
// @title           gatewayd API
// @version         1.0
// @description     OpenAI-compatible HTTP gateway managing local inference engines on demand.
//
// @contact.name   gatewayd maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
