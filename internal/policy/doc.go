// Package policy 集中声明请求分类与缓存策略的固定映射表。
//
// 表按声明顺序匹配，命中即停：
//  1. 根路径与 .html 归入 document，走网络优先；
//  2. .css / .js 归入 asset，走先缓存后台刷新；
//  3. 图片与字体扩展名（忽略大小写）归入 image / font，走缓存优先；
//  4. 其余一律 default，按 document 同样的网络优先处理。
//
// 策略表是闭集，线上不允许按站点增删条目；站点配置只能通过
// Overrides 调整刷新 TTL。诊断端可通过 Rules 读取整张表。
package policy
