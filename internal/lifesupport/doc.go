// Package lifesupport 实现生命维持控制器：观察运营账本余额，在资金低于阈值且储备
// 充足时获取跨账本报价、签名并提交转账，最后确认结算或记录失败。
//
// 每次调用都返回结构化结果，并写入结果存储、审计日志、指标与告警；同一身份同一
// 时刻只允许一个流程在执行。
package lifesupport
