package network

import "time"

const (
    maxMsgSize        = 1024 * 1024 // 1MB
    writeTimeout      = 30 * time.Second
    keepAliveInterval = 5 * time.Second
)
