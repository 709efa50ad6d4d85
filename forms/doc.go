// Package forms 保存操作员预先录入的表单资料，并可一次性填入当前页面。
//
// 资料按用户指定或基于时间生成的 id 存放在 form_profiles 表中，集合无上限。
package forms
