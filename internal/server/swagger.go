package server

//go:generate swag init -g internal/server/server.go -o internal/server/docs

// @title m365guard API
// @version 0.1
// @description Message endpoint and read-only views of the m365guard phishing detection service.
// @contact.name m365guard Maintainers
// @contact.url https://github.com/raysh454/m365guard
// @BasePath /
