package main

//go:generate swag init -g cmd/eventdesk/main.go -o docs

// @title           eventdesk API
// @version         0.1.0
// @description     News event pipeline: job status, manual runs, cost reset and feature switches.
// @host            localhost:8080
// @BasePath        /
// @schemes         http
